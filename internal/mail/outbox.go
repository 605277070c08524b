package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mbd888/sentinel/internal/notify"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileOutbox writes undeliverable alerts as HTML files, one per alert,
// named ALERT_<customer>_<unix>.html.
type FileOutbox struct {
	dir string
	now func() time.Time
}

// NewFileOutbox creates an outbox rooted at dir.
func NewFileOutbox(dir string) *FileOutbox {
	return &FileOutbox{dir: dir, now: time.Now}
}

// Save writes msg.HTML and returns the file path.
func (o *FileOutbox) Save(ctx context.Context, msg notify.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(o.dir, 0o750); err != nil {
		return "", fmt.Errorf("create outbox dir: %w", err)
	}

	name := unsafeNameChars.ReplaceAllString(msg.CustomerName, "_")
	if name == "" || name == "_" {
		name = unsafeNameChars.ReplaceAllString(msg.CustomerID, "_")
	}
	base := fmt.Sprintf("ALERT_%s_%d", name, o.now().Unix())

	path := filepath.Join(o.dir, base+".html")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304 -- name sanitized above
	if errors.Is(err, os.ErrExist) && len(msg.ID) >= 8 {
		path = filepath.Join(o.dir, base+"_"+msg.ID[:8]+".html")
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304
	}
	if err != nil {
		return "", fmt.Errorf("create outbox file: %w", err)
	}
	if _, err := f.WriteString(msg.HTML); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write outbox file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close outbox file: %w", err)
	}
	return path, nil
}

var _ notify.Outbox = (*FileOutbox)(nil)
