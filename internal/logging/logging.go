package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every logger in the gateway.
const Flags = log.LstdFlags | log.Lmicroseconds

// Setup routes the standard logger to stdout and, when path is set, to a
// rotating file as well. The returned closer releases the file.
func Setup(path, prefix string, maxBytes int64) (io.Closer, error) {
	var closer io.Closer = nopWriteCloser{}
	out := io.Writer(os.Stdout)
	if strings.TrimSpace(path) != "" {
		rot, err := NewRotatingWriter(path, maxBytes)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, rot)
		closer = rot
	}
	log.SetOutput(out)
	log.SetFlags(Flags)
	log.SetPrefix(prefix)
	return closer, nil
}

// New returns a logger that shares the standard logger's output under its own prefix.
func New(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, Flags)
}
