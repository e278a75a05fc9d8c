package broker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskType is the Asynq task type this engine enqueues one job id under.
const TaskType = "jobqueue:run"

// AsynqNotifier is a Notifier backed by a real broker (redis, via
// hibiken/asynq), demonstrating that the Notifier interface is satisfiable
// by external infrastructure without the engine importing asynq anywhere
// above this package. Grounded on sojohnnysaid-mirai-app's
// internal/infrastructure/worker/server.go, which wires the same
// asynq.Client/asynq.RedisClientOpt pair for its own task dispatch.
type AsynqNotifier struct {
	client *asynq.Client
}

// NewAsynqNotifier dials redis at addr and returns a ready Notifier.
func NewAsynqNotifier(addr string) *AsynqNotifier {
	return &AsynqNotifier{client: asynq.NewClient(asynq.RedisClientOpt{Addr: addr})}
}

func (n *AsynqNotifier) Notify(ctx context.Context, jobID string) error {
	task := asynq.NewTask(TaskType, []byte(jobID))
	if _, err := n.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Close releases the underlying redis connection.
func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}

// AsynqConsumer runs an Asynq server that dispatches TaskType tasks to a
// caller-supplied handler — the Runner's entry point when the engine is
// deployed with the real broker instead of ChannelNotifier.
type AsynqConsumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	handle func(ctx context.Context, jobID string) error
}

// NewAsynqConsumer builds a consumer with the given concurrency, calling
// handle once per delivered job id.
func NewAsynqConsumer(addr string, concurrency int, handle func(ctx context.Context, jobID string) error) *AsynqConsumer {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: addr},
		asynq.Config{Concurrency: concurrency},
	)
	mux := asynq.NewServeMux()
	c := &AsynqConsumer{server: server, mux: mux, handle: handle}
	mux.HandleFunc(TaskType, c.dispatch)
	return c
}

func (c *AsynqConsumer) dispatch(ctx context.Context, task *asynq.Task) error {
	return c.handle(ctx, string(task.Payload()))
}

// Run blocks serving tasks until the process is signaled to stop.
func (c *AsynqConsumer) Run() error {
	return c.server.Run(c.mux)
}

// Shutdown stops the consumer.
func (c *AsynqConsumer) Shutdown() {
	c.server.Shutdown()
}
