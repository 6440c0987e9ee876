package remoting

import (
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Logger is an alias for the leveled, prefix-forking logger used throughout
// this module. Long-lived objects fork a sublogger with their own prefix.
type Logger = logger.Logger

// AsyncShutdowner is an alias for the asynchronous shutdown interface
// implemented by Channel, pipes, and the transport objects built on top of
// them.
type AsyncShutdowner = asyncobj.AsyncShutdowner
