package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/nuetzliches/liteq"
)

// storeFlags is the flag surface shared by every queue command.
type storeFlags struct {
	db              string
	dsn             string
	queue           string
	logLevel        string
	logOutput       string
	logFile         string
	dotenv          string
	tracingEndpoint string
	tracingInsecure bool
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.db, "db", "", "")
	fs.StringVar(&f.dsn, "postgres-dsn", "", "")
	fs.StringVar(&f.queue, "queue", "", "")
	fs.StringVar(&f.logLevel, "log-level", "", "")
	fs.StringVar(&f.logOutput, "log-output", "", "")
	fs.StringVar(&f.logFile, "log-file", "", "")
	fs.StringVar(&f.dotenv, "dotenv", "", "")
	fs.StringVar(&f.tracingEndpoint, "tracing-endpoint", "", "")
	fs.BoolVar(&f.tracingInsecure, "tracing-insecure", false, "")
}

// resolve applies the dotenv file and env fallbacks after flag parsing
// so flags win over the environment and the environment wins over .env.
func (f *storeFlags) resolve() error {
	if f.dotenv != "" {
		if err := loadDotenv(f.dotenv); err != nil {
			return fmt.Errorf("load --dotenv: %w", err)
		}
	}
	if f.db == "" {
		f.db = os.Getenv("LITEQ_DB")
	}
	if f.dsn == "" {
		f.dsn = os.Getenv("LITEQ_POSTGRES_DSN")
	}
	if f.queue == "" {
		f.queue = os.Getenv("LITEQ_QUEUE")
	}
	if f.logLevel == "" {
		f.logLevel = os.Getenv("LITEQ_LOG_LEVEL")
	}
	if f.tracingEndpoint == "" {
		f.tracingEndpoint = os.Getenv("LITEQ_TRACING_ENDPOINT")
	}
	if f.db == "" && f.dsn == "" {
		return fmt.Errorf("--db or --postgres-dsn is required (or LITEQ_DB / LITEQ_POSTGRES_DSN)")
	}
	if f.db != "" && f.dsn != "" {
		return fmt.Errorf("--db and --postgres-dsn are mutually exclusive")
	}
	return nil
}

// open builds the logger and tracing stack and opens the queue. The
// returned closer tears everything down in reverse order.
func (f *storeFlags) open(ctx context.Context, stderr io.Writer) (*liteq.Queue, func(), error) {
	if err := f.resolve(); err != nil {
		return nil, nil, err
	}

	logger, logCloser, err := newLoggerToSink(f.logLevel, f.logOutput, f.logFile)
	if err != nil {
		return nil, nil, err
	}

	var traceShutdown func(context.Context) error
	if f.tracingEndpoint != "" {
		traceShutdown, err = initTracing(ctx, f.tracingEndpoint, f.tracingInsecure, func(err error) {
			logger.Warn("tracing export error", "error", err)
		})
		if err != nil {
			if logCloser != nil {
				logCloser.Close()
			}
			return nil, nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	var q *liteq.Queue
	if f.dsn != "" {
		q, err = liteq.OpenPostgres(f.dsn, liteq.WithLogger(logger))
	} else {
		q, err = liteq.Open(f.db, liteq.WithLogger(logger), liteq.WithExternalWakeups(true))
	}
	if err != nil {
		if traceShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			traceShutdown(shutdownCtx)
			cancel()
		}
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, nil, err
	}

	closeAll := func() {
		if err := q.Close(); err != nil {
			fmt.Fprintf(stderr, "close: %v\n", err)
		}
		if traceShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := traceShutdown(shutdownCtx); err != nil {
				fmt.Fprintf(stderr, "tracing shutdown: %v\n", err)
			}
			cancel()
		}
		if logCloser != nil {
			logCloser.Close()
		}
	}
	return q, closeAll, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

type messagePayload struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	Data       []byte    `json:"data"`
}

func messageJSON(m *liteq.Message) messagePayload {
	return messagePayload{
		ID:         m.ID,
		Queue:      m.Queue,
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
		Data:       m.Data,
	}
}

func putCmd(args []string) int {
	return runPutCmd(args, os.Stdin, os.Stdout, os.Stderr)
}

func runPutCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	delay := fs.Duration("delay", 0, "")
	file := fs.String("file", "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "put: %v\n", err)
		return 2
	}

	var payloads [][]byte
	switch {
	case *file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "put: read stdin: %v\n", err)
			return 1
		}
		payloads = [][]byte{data}
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(stderr, "put: %v\n", err)
			return 1
		}
		payloads = [][]byte{data}
	default:
		for _, arg := range fs.Args() {
			payloads = append(payloads, []byte(arg))
		}
	}
	if len(payloads) == 0 {
		fmt.Fprintln(stderr, "put: no payload (pass data arguments, --file, or --file -)")
		return 2
	}
	if *file != "" && fs.NArg() != 0 {
		fmt.Fprintln(stderr, "put: --file and positional data are mutually exclusive")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "put: %v\n", err)
		return 1
	}
	defer closeAll()

	if len(payloads) == 1 {
		id, err := q.Put(ctx, liteq.PutRequest{Queue: sf.queue, Data: payloads[0], Delay: *delay})
		if err != nil {
			fmt.Fprintf(stderr, "put: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, id)
		return 0
	}

	ids, err := q.PutBatch(ctx, liteq.PutBatchRequest{Queue: sf.queue, Payloads: payloads, Delay: *delay})
	if err != nil {
		fmt.Fprintf(stderr, "put: %v\n", err)
		return 1
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return 0
}

func popCmd(args []string) int {
	return runPopCmd(args, os.Stdout, os.Stderr)
}

// runPopCmd leases one message, writes its payload, and acknowledges
// only after the write succeeded. A failed write leaves the lease to
// expire so the message is redelivered.
func runPopCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	invisible := fs.Duration("invisible", 0, "")
	wait := fs.Duration("wait", 0, "")
	jsonOut := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "pop: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "pop: %v\n", err)
		return 1
	}
	defer closeAll()

	msg, err := q.Pop(ctx, liteq.PopRequest{Queue: sf.queue, Invisible: *invisible, MaxWait: *wait})
	if err != nil {
		fmt.Fprintf(stderr, "pop: %v\n", err)
		return 1
	}
	if msg == nil {
		fmt.Fprintln(stderr, "pop: no message")
		return 3
	}

	if *jsonOut {
		err = json.NewEncoder(stdout).Encode(messageJSON(msg))
	} else {
		_, err = stdout.Write(msg.Data)
	}
	if err != nil {
		fmt.Fprintf(stderr, "pop: write payload: %v\n", err)
		return 1
	}

	if err := q.Delete(ctx, msg.ID); err != nil {
		fmt.Fprintf(stderr, "pop: ack %s: %v\n", msg.ID, err)
		return 1
	}
	return 0
}

func peekCmd(args []string) int {
	return runPeekCmd(args, os.Stdout, os.Stderr)
}

func runPeekCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	jsonOut := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "peek: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "peek: %v\n", err)
		return 1
	}
	defer closeAll()

	msg, err := q.Peek(ctx, sf.queue)
	if err != nil {
		fmt.Fprintf(stderr, "peek: %v\n", err)
		return 1
	}
	if msg == nil {
		fmt.Fprintln(stderr, "peek: no message")
		return 3
	}

	if *jsonOut {
		if err := json.NewEncoder(stdout).Encode(messageJSON(msg)); err != nil {
			fmt.Fprintf(stderr, "peek: %v\n", err)
			return 1
		}
		return 0
	}
	if _, err := stdout.Write(msg.Data); err != nil {
		fmt.Fprintf(stderr, "peek: %v\n", err)
		return 1
	}
	return 0
}

type statsPayload struct {
	Queue   string              `json:"queue"`
	Size    int                 `json:"size"`
	Visible int                 `json:"visible"`
	DLQ     int                 `json:"dlq"`
	Dead    []deadLetterPayload `json:"dead,omitempty"`
}

type deadLetterPayload struct {
	ID       string    `json:"id"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

func statsCmd(args []string) int {
	return runStatsCmd(args, os.Stdout, os.Stderr)
}

func runStatsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	dlqList := fs.Int("dlq-list", 0, "")
	jsonOut := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	defer closeAll()

	payload := statsPayload{Queue: sf.queue}
	if payload.Queue == "" {
		payload.Queue = "default"
	}
	if payload.Size, err = q.Size(ctx, sf.queue); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	if payload.Visible, err = q.VisibleSize(ctx, sf.queue); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	if payload.DLQ, err = q.DLQSize(ctx, sf.queue); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	if *dlqList > 0 {
		dead, err := q.ListDLQ(ctx, sf.queue, *dlqList)
		if err != nil {
			fmt.Fprintf(stderr, "stats: %v\n", err)
			return 1
		}
		for _, d := range dead {
			payload.Dead = append(payload.Dead, deadLetterPayload{
				ID:       d.ID,
				FailedAt: d.FailedAt,
				Reason:   d.Reason,
			})
		}
	}

	if *jsonOut {
		if err := json.NewEncoder(stdout).Encode(payload); err != nil {
			fmt.Fprintf(stderr, "stats: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "queue=%s size=%d visible=%d dlq=%d\n",
		payload.Queue, payload.Size, payload.Visible, payload.DLQ)
	for _, d := range payload.Dead {
		fmt.Fprintf(stdout, "dead id=%s failed_at=%s reason=%q\n",
			d.ID, d.FailedAt.Format(time.RFC3339), d.Reason)
	}
	return 0
}

func redriveCmd(args []string) int {
	return runRedriveCmd(args, os.Stdout, os.Stderr)
}

func runRedriveCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("redrive", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "redrive: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "redrive: %v\n", err)
		return 1
	}
	defer closeAll()

	moved, err := q.Redrive(ctx, sf.queue)
	if err != nil {
		fmt.Fprintf(stderr, "redrive: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "redriven %d\n", moved)
	return 0
}

func clearCmd(args []string) int {
	return runClearCmd(args, os.Stdout, os.Stderr)
}

func runClearCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	dlq := fs.Bool("dlq", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "clear: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "clear: %v\n", err)
		return 1
	}
	defer closeAll()

	if err := q.Clear(ctx, sf.queue, *dlq); err != nil {
		fmt.Fprintf(stderr, "clear: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "cleared")
	return 0
}

func drainCmd(args []string) int {
	return runDrainCmd(args, os.Stdout, os.Stderr)
}

// runDrainCmd blocks until the queue is empty, an optional timeout
// elapses, or the process is interrupted.
func runDrainCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var sf storeFlags
	sf.register(fs)
	timeout := fs.Duration("timeout", 0, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "drain: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	q, closeAll, err := sf.open(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "drain: %v\n", err)
		return 1
	}
	defer closeAll()

	if err := q.Join(ctx, sf.queue); err != nil {
		if errors.Is(err, liteq.ErrCancelled) {
			fmt.Fprintln(stderr, "drain: interrupted")
			return 3
		}
		fmt.Fprintf(stderr, "drain: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "drained")
	return 0
}
