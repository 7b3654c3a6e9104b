package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New builds the root logger. format is "text" or "json"; level is parsed
// with hclog.LevelFromString and must not be empty or unknown.
func New(name, level, format string, w io.Writer) (hclog.Logger, error) {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           lvl,
		Output:          w,
		JSONFormat:      format == "json",
		IncludeLocation: lvl <= hclog.Debug,
	}), nil
}
