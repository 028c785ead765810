// Package attachment persists inbound attachment content outside the
// message store and loads it back for outbound mail.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/koesterlab/remail/internal/model"
)

// DefaultMaxBytes is the attachment size ceiling.
const DefaultMaxBytes = model.DefaultMaxAttachmentBytes

const (
	fallbackName  = "attachment"
	maxNameLength = 200
)

var (
	// ErrTooLarge is returned when content exceeds the store's ceiling.
	ErrTooLarge = errors.New("attachment exceeds size limit")
	// ErrMissingFile is returned when a user-supplied attachment does not
	// exist on disk.
	ErrMissingFile = errors.New("attachment file missing")
)

// Store writes attachments under Dir, one subdirectory per message.
// Attachments of one message never share a file.
type Store struct {
	Dir      string
	MaxBytes int64

	mu sync.Mutex
}

// Outbound is attachment content ready to be attached to a message.
type Outbound struct {
	Filename string
	MIMEType string
	Data     []byte
}

// NewStore returns a store rooted at dir. An empty dir selects
// DefaultDir; a non-positive maxBytes selects DefaultMaxBytes.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving attachment dir: %w", err)
	}
	return &Store{Dir: abs, MaxBytes: maxBytes}, nil
}

// DefaultDir returns <user cache dir>/remail/attachments.
func DefaultDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("finding cache dir: %w", err)
	}
	return filepath.Join(cache, "remail", "attachments"), nil
}

func (s *Store) limit() int64 {
	if s.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return s.MaxBytes
}

// SanitizeFilename reduces name to a safe basename made of ASCII
// letters, digits, dot, underscore and dash.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		switch {
		case r > unicode.MaxASCII || unicode.IsControl(r):
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	out = strings.TrimLeft(out, "._")
	if len(out) > maxNameLength {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxNameLength-len(ext)] + ext
	}
	if out == "" {
		return fallbackName
	}
	return out
}

const messageDirLen = 16

// messageDir maps a Message-Id to a stable directory name.
func messageDir(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])[:messageDirLen]
}

func isMessageDir(name string) bool {
	if len(name) != messageDirLen {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil && strings.ToLower(name) == name
}

// uniquePath returns dir/name, or dir/<stem>-N<ext> with the smallest
// free N when name is taken.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		_, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", candidate, err)
		}
	}
}

// Save stores the content of r for the given message. Content over the
// ceiling yields ErrTooLarge and nothing is written.
func (s *Store) Save(
	messageID, filename string, r io.Reader,
) (model.Attachment, error) {
	limit := s.limit()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return model.Attachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	if int64(len(data)) > limit {
		return model.Attachment{}, fmt.Errorf(
			"%w: %q is over %d bytes", ErrTooLarge, filename, limit,
		)
	}

	dir := filepath.Join(s.Dir, messageDir(messageID))
	if err := s.contains(dir); err != nil {
		return model.Attachment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return model.Attachment{}, fmt.Errorf("creating attachment dir: %w", err)
	}
	path, err := uniquePath(dir, SanitizeFilename(filename))
	if err != nil {
		return model.Attachment{}, err
	}
	if err := writeAtomic(dir, path, data); err != nil {
		return model.Attachment{}, err
	}

	name := filepath.Base(path)
	return model.Attachment{
		Filename: name,
		Path:     path,
		Size:     int64(len(data)),
		MIMEType: DetectType(name, data),
	}, nil
}

// Remove deletes every stored attachment of the message.
func (s *Store) Remove(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.Dir, messageDir(messageID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing attachments of %s: %w", messageID, err)
	}
	return nil
}

// Prune removes the attachment directories of all messages not in keep
// and reports how many it removed. Entries it did not create are left
// alone.
func (s *Store) Prune(keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing attachment dir: %w", err)
	}

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[messageDir(id)] = true
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !isMessageDir(e.Name()) || wanted[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Dir, e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving attachment into place: %w", err)
	}
	return nil
}

// contains verifies that path resolves inside the store directory.
func (s *Store) contains(path string) error {
	rel, err := filepath.Rel(s.Dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("attachment path %q escapes %q", path, s.Dir)
	}
	return nil
}

// Load reads an attachment for sending. ok is false when a stored
// attachment has disappeared and should be skipped; a missing
// user-supplied file is ErrMissingFile instead.
func (s *Store) Load(att model.Attachment) (out Outbound, ok bool, err error) {
	info, err := os.Stat(att.Path)
	if errors.Is(err, fs.ErrNotExist) {
		if att.UserSupplied {
			return Outbound{}, false, fmt.Errorf("%w: %s", ErrMissingFile, att.Path)
		}
		return Outbound{}, false, nil
	}
	if err != nil {
		return Outbound{}, false, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Outbound{}, false, fmt.Errorf("attachment %s is a directory", att.Path)
	}
	if info.Size() > s.limit() {
		return Outbound{}, false, fmt.Errorf(
			"%w: %s is %d bytes", ErrTooLarge, att.Path, info.Size(),
		)
	}

	data, err := os.ReadFile(att.Path)
	if err != nil {
		return Outbound{}, false, fmt.Errorf("reading attachment: %w", err)
	}
	if int64(len(data)) > s.limit() {
		return Outbound{}, false, fmt.Errorf("%w: %s", ErrTooLarge, att.Path)
	}

	name := att.Filename
	if name == "" {
		name = filepath.Base(att.Path)
	}
	name = SanitizeFilename(name)

	mimeType := att.MIMEType
	if mimeType == "" {
		mimeType = DetectType(name, data)
	}
	return Outbound{Filename: name, MIMEType: mimeType, Data: data}, true, nil
}

// DetectType infers a content type from the extension, falling back to
// content sniffing.
func DetectType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(data[:min(len(data), 512)])
}
