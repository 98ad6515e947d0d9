package log

import (
	"os"

	"github.com/inconshreveable/log15"
)

var rootLog = log15.New()

const DefaultLevel = log15.LvlInfo

func init() {
	SetLevel(DefaultLevel)
}

func SetLevel(level log15.Lvl) {
	rootLog.SetHandler(log15.LvlFilterHandler(level, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
}

// SetLevelString parses names like "debug" or "warn".
func SetLevelString(level string) error {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return err
	}
	SetLevel(lvl)
	return nil
}

// Discard silences the root logger; used by tests that exercise noisy paths.
func Discard() {
	rootLog.SetHandler(log15.DiscardHandler())
}

func NewLog(module string) log15.Logger {
	if module == "" {
		return rootLog
	}

	return rootLog.New("module", module)
}
