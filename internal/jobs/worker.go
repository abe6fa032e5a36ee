package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"

	"github.com/reasv/panoptikon-go/schema"
)

// Handler executes one job inside the fresh worker process. Returning an
// error marks the worker's exit code non-zero; the parent does not
// interpret the code beyond "complete" vs "not" (spec.md §6.5).
type Handler func(ctx context.Context, job schema.Job) error

// WorkerMain is the body of the hidden `job-worker` subcommand the parent
// Manager re-execs: it loads a .env file exactly like the Python worker's
// load_dotenv() call, decodes the Job from stdin, and dispatches to
// handler. Returns the process exit code.
func WorkerMain(ctx context.Context, stdin io.Reader, handler Handler) int {
	_ = godotenv.Load() // missing .env is not an error; same as load_dotenv(override=False)

	var job schema.Job
	if err := json.NewDecoder(stdin).Decode(&job); err != nil {
		fmt.Println("job-worker: decode job from stdin:", err)
		return 1
	}

	if err := handler(ctx, job); err != nil {
		fmt.Println("job-worker: job failed:", err)
		return 1
	}
	return 0
}
