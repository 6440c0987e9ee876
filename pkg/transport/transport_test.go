package transport

import (
	"os"
	"strings"
	"testing"

	"github.com/sammck-go/logger"

	"github.com/forgeci/remoting/pkg/remoting"
)

func testLogger(t *testing.T) Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// upperCallable is the unit of work used by the transport tests: proof that
// an end-to-end channel executes remote work, whatever carried it.
type upperCallable struct {
	S string
}

func (c *upperCallable) Call(cc *remoting.CallContext) (interface{}, error) {
	return strings.ToUpper(c.S), nil
}

func init() {
	remoting.RegisterCallable(remoting.CallableKind{
		Name:    "transport.test.upper",
		Version: "1",
		New:     func() remoting.Callable { return &upperCallable{} },
	})
}

func checkUpper(t *testing.T, ch *remoting.Channel) {
	result, err := ch.Call(&upperCallable{S: "tunnelled"})
	if err != nil {
		t.Fatalf("Call(upper) returned error: %s", err)
	}
	if got, _ := result.(string); got != "TUNNELLED" {
		t.Errorf("Call(upper) returned %v; expected %q", result, "TUNNELLED")
	}
}
