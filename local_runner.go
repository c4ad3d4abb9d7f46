package flowrun

import "time"

// NewLocalRunner returns an in-memory Bundle with default options. It is
// not crash-durable but is the most convenient way to run and debug flows
// during development:
//
//	runner := flowrun.NewLocalRunner()
//	flowrun.New("my-flow").Step(...).MustRegister(runner)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
func NewLocalRunner() *Bundle {
	b, err := NewInMemoryBundle(Options{PollInterval: 10 * time.Millisecond})
	if err != nil {
		// Only invalid options make construction fail.
		panic(err)
	}
	return b
}
