// a2a-dlq is an operator tool for dead-letter topics: list what was
// rejected and why, drain records away, or requeue them onto the origin
// topic for another attempt.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/transport"
)

func main() {
	var (
		redisURL = flag.String("redis", "redis://localhost:6379/0", "transport backend url")
		topic    = flag.String("topic", "", "origin topic (without the :dlq suffix)")
		limit    = flag.Int64("limit", 0, "max records to touch; 0 means all")
		timeout  = flag.Duration("timeout", 30*time.Second, "operation timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] list|drain|requeue\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" || *topic == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := envelope.CheckTopicName(*topic); err != nil {
		fmt.Fprintf(os.Stderr, "invalid topic: %v\n", err)
		os.Exit(2)
	}

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid redis url: %v\n", err)
		os.Exit(2)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, transport.NewDLQ(rdb), cmd, *topic, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dlq *transport.DLQ, cmd, topic string, limit int64) error {
	switch cmd {
	case "list":
		records, err := dlq.List(ctx, topic, limit)
		if err != nil {
			return err
		}
		depth, err := dlq.Depth(ctx, topic)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d record(s)\n", envelope.DLQTopic(topic), depth)
		return printRecords(records)

	case "drain":
		records, err := dlq.Drain(ctx, topic, limit)
		if err != nil {
			return err
		}
		fmt.Printf("drained %d record(s)\n", len(records))
		return printRecords(records)

	case "requeue":
		n, err := dlq.Requeue(ctx, topic, limit)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d record(s) to %s\n", n, topic)
		return nil

	default:
		return fmt.Errorf("unknown command %q (want list, drain or requeue)", cmd)
	}
}

func printRecords(records []transport.DLQRecord) error {
	for _, rec := range records {
		e, err := envelope.Decode(rec.Envelope)
		line := map[string]any{
			"reason":         rec.Reason,
			"rejected_by":    rec.RejectedBy,
			"rejected_at":    rec.RejectedAt.String(),
			"delivery_count": rec.DeliveryCount,
		}
		if err == nil {
			line["message_id"] = e.Meta.MessageID
			line["trace_id"] = e.Meta.TraceID
			line["type"] = e.Meta.Type
		} else {
			line["envelope_error"] = err.Error()
		}
		out, err := json.Marshal(line)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}
