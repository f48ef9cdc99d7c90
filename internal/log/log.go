package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// Init installs a LineHandler on stderr at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func Init(level string) {
	log.SetHandler(NewLineHandler(os.Stderr))
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// LineHandler writes one line per entry: timestamp, level initial, message
// and the sorted fields as key=value pairs.
type LineHandler struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewLineHandler(w io.Writer) *LineHandler {
	return &LineHandler{w: w, now: time.Now}
}

func (h *LineHandler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	b.WriteString(h.now().Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%.1s", strings.ToUpper(e.Level.String()))
	b.WriteByte(' ')
	b.WriteString(e.Message)
	for _, name := range e.Fields.Names() {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields.Get(name))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
