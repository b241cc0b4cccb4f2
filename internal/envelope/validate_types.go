package envelope

// Per-type payload validators. The dispatch is a constant-time table lookup
// keyed by the closed type enum; unknown types never reach a payload check
// because the meta schema rejects them first.

type payloadCheck func(p map[string]any, add func(path, reason string))

var payloadChecks = map[Type]payloadCheck{
	TypeTaskRequest: func(p map[string]any, add func(string, string)) {
		requireString(p, "task", add)
		requireObject(p, "inputs", add)
		optionalObject(p, "context", add)
	},
	TypeTaskResult: func(p map[string]any, add func(string, string)) {
		requireOneof(p, "status", []string{"success", "failure", "partial"}, add)
		optionalObject(p, "outputs", add)
		optionalString(p, "error", add)
	},
	TypeMemoryEvent: func(p map[string]any, add func(string, string)) {
		requireOneof(p, "op", []string{"store", "update", "delete"}, add)
		requireString(p, "key", add)
	},
	TypeContextRequest: func(p map[string]any, add func(string, string)) {
		requireString(p, "query", add)
		optionalNumber(p, "limit", add)
	},
	TypeContextResult: func(p map[string]any, add func(string, string)) {
		requireArray(p, "items", add)
	},
	TypeSpecialistInvocationRequest: func(p map[string]any, add func(string, string)) {
		requireString(p, "specialist", add)
		requireString(p, "action", add)
		optionalObject(p, "args", add)
	},
	TypeSpecialistInvocationResult: func(p map[string]any, add func(string, string)) {
		requireString(p, "specialist", add)
		requireOneof(p, "status", []string{"success", "failure"}, add)
		optionalObject(p, "result", add)
		optionalString(p, "error", add)
	},
	TypeRegistryHeartbeat: func(p map[string]any, add func(string, string)) {
		requireString(p, "agent_id", add)
		requireOneof(p, "status", []string{"STARTING", "HEALTHY", "DEGRADED", "UNAVAILABLE"}, add)
	},
	TypeRegistryDiscoveryRequest: func(p map[string]any, add func(string, string)) {
		optionalObject(p, "filters", add)
	},
	TypeRegistryDiscoveryResponse: func(p map[string]any, add func(string, string)) {
		requireArray(p, "agents", add)
		requireNumber(p, "total_count", add)
	},
	TypeSystemEvent: func(p map[string]any, add func(string, string)) {
		requireString(p, "event", add)
		optionalOneof(p, "severity", []string{"info", "warning", "error"}, add)
		optionalObject(p, "data", add)
	},
	TypeSpecialistEventNotification: func(p map[string]any, add func(string, string)) {
		requireString(p, "specialist", add)
		requireString(p, "event", add)
		optionalObject(p, "data", add)
	},
}

func requireString(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		add(key, "required")
		return
	}
	s, ok := v.(string)
	if !ok {
		add(key, "not_a_string")
		return
	}
	if s == "" {
		add(key, "empty")
	}
}

func optionalString(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		return
	}
	if _, ok := v.(string); !ok {
		add(key, "not_a_string")
	}
}

func requireObject(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		add(key, "required")
		return
	}
	if _, ok := v.(map[string]any); !ok {
		add(key, "not_an_object")
	}
}

func optionalObject(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		return
	}
	if _, ok := v.(map[string]any); !ok {
		add(key, "not_an_object")
	}
}

func requireArray(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		add(key, "required")
		return
	}
	if _, ok := v.([]any); !ok {
		add(key, "not_an_array")
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	// json decoding with UseNumber yields json.Number, which is a string type.
	type num interface{ Float64() (float64, error) }
	_, ok := v.(num)
	return ok
}

func requireNumber(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		add(key, "required")
		return
	}
	if !isNumber(v) {
		add(key, "not_a_number")
	}
}

func optionalNumber(p map[string]any, key string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		return
	}
	if !isNumber(v) {
		add(key, "not_a_number")
	}
}

func requireOneof(p map[string]any, key string, allowed []string, add func(string, string)) {
	v, ok := p[key]
	if !ok {
		add(key, "required")
		return
	}
	s, ok := v.(string)
	if !ok {
		add(key, "not_a_string")
		return
	}
	for _, a := range allowed {
		if s == a {
			return
		}
	}
	add(key, "not_in_enum")
}

func optionalOneof(p map[string]any, key string, allowed []string, add func(string, string)) {
	if _, ok := p[key]; !ok {
		return
	}
	requireOneof(p, key, allowed, add)
}
