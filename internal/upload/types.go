package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// AuthKind selects how an endpoint authenticates uploads.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	// AuthBasicBase64 is kept as a separate surface option for users who
	// think of their credentials as "base64 basic auth". It takes plain
	// credentials and encodes them exactly like AuthBasic.
	AuthBasicBase64 AuthKind = "basic_base64"
)

// ParseAuthKind maps a config string to an AuthKind. Empty means none.
func ParseAuthKind(s string) (AuthKind, error) {
	switch k := AuthKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", AuthNone:
		return AuthNone, nil
	case AuthBearer, AuthBasic, AuthBasicBase64:
		return k, nil
	default:
		return "", fmt.Errorf("unknown auth type %q", s)
	}
}

// Auth is the authentication descriptor attached to an endpoint.
type Auth struct {
	Kind     AuthKind
	Token    string
	Username string
	Password string
}

// Header returns the Authorization header value for a, and false when no
// header should be sent.
func (a Auth) Header() (string, bool) {
	switch a.Kind {
	case AuthBearer:
		if a.Token == "" {
			return "", false
		}
		return "Bearer " + a.Token, true
	case AuthBasic, AuthBasicBase64:
		if a.Username == "" || a.Password == "" {
			return "", false
		}
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(a.Username+":"+a.Password)), true
	default:
		return "", false
	}
}

// Endpoint is a configured HTTP destination. Identity is by ID.
type Endpoint struct {
	ID   string
	Name string
	URL  string
	Auth Auth
}

// DisplayName falls back to the URL when the endpoint has no name.
func (e Endpoint) DisplayName() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.URL
}

// FileHandle references a local file to upload. Path is absolute and also
// serves as the file's identity.
type FileHandle struct {
	Path string
	Size int64
	Name string
}

// NewFileHandle stats path and caches its size and base name.
func NewFileHandle(path string) (FileHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileHandle{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return FileHandle{}, err
	}
	if fi.IsDir() {
		return FileHandle{}, fmt.Errorf("%s: is a directory", abs)
	}
	return FileHandle{Path: abs, Size: fi.Size(), Name: filepath.Base(abs)}, nil
}

// ID returns the file identity used in events.
func (f FileHandle) ID() string { return f.Path }

// FormattedSize renders the cached size for humans (e.g. "2.0 kB").
func (f FileHandle) FormattedSize() string {
	if f.Size < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(f.Size))
}

func (f FileHandle) String() string { return f.Name + " (" + f.FormattedSize() + ")" }

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusRetrying
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "In Progress"
	case StatusRetrying:
		return "Retrying"
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether s counts as resolved for progress purposes.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// maxBodyBytes caps the response body kept on a task.
const maxBodyBytes = 4 << 10

// Task pairs one file with one endpoint and carries its run state.
//
// A Task is mutated only by the controller processing it; everyone else
// works on copies delivered through events.
type Task struct {
	File     FileHandle
	Endpoint Endpoint

	Status       Status
	Attempt      int
	Message      string
	StatusCode   int
	ResponseBody string
	Progress     float64
	UpdatedAt    time.Time
}

// Key identifies the (file, endpoint) pair.
func (t *Task) Key() TaskKey { return TaskKey{FileID: t.File.ID(), EndpointID: t.Endpoint.ID} }

func (t *Task) String() string {
	return fmt.Sprintf("[%s] %s -> %s: %s", t.UpdatedAt.Format(time.RFC3339), t.File.Name, t.Endpoint.DisplayName(), t.Status)
}

// TaskKey is the identity of a task within a run.
type TaskKey struct {
	FileID     string
	EndpointID string
}

// Event is a progress notification for one task transition.
type Event struct {
	RunID        string
	EndpointID   string
	EndpointName string
	FileID       string
	FileName     string
	Status       Status
	Message      string
	StatusCode   int
	ResponseBody string
	Timestamp    time.Time
	Attempt      int
	Progress     float64
}

// Key identifies the task this event belongs to.
func (e Event) Key() TaskKey { return TaskKey{FileID: e.FileID, EndpointID: e.EndpointID} }

func newEvent(runID string, t *Task) Event {
	return Event{
		RunID:        runID,
		EndpointID:   t.Endpoint.ID,
		EndpointName: t.Endpoint.DisplayName(),
		FileID:       t.File.ID(),
		FileName:     t.File.Name,
		Status:       t.Status,
		Message:      t.Message,
		StatusCode:   t.StatusCode,
		ResponseBody: t.ResponseBody,
		Timestamp:    t.UpdatedAt,
		Attempt:      t.Attempt,
		Progress:     t.Progress,
	}
}

// Observer receives task events in order. Implementations must not block
// for long: they run on the aggregator goroutine.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Summary aggregates run counters.
type Summary struct {
	Success  int
	Failure  int
	Total    int
	Progress float64
}

// Resolved reports whether every task reached Success or Failed.
func (s Summary) Resolved() bool { return s.Total > 0 && s.Success+s.Failure == s.Total }

// Outcome is the result of one HTTP attempt that produced a response.
type Outcome struct {
	StatusCode int
	// Status is the reason phrase, e.g. "Internal Server Error".
	Status string
	Body   string
}

// OK reports a 2xx response.
func (o Outcome) OK() bool { return o.StatusCode >= 200 && o.StatusCode < 300 }

// Transport performs exactly one upload attempt.
type Transport interface {
	Attempt(ctx context.Context, ep Endpoint, f FileHandle) (Outcome, error)
}

// Limits are the run-time knobs supplied by the configuration layer.
type Limits struct {
	MaxConcurrentUploads int
	MaxRetryAttempts     int
	// RatePerSec caps attempt starts across all workers. 0 disables it.
	RatePerSec int
}

const (
	DefaultMaxConcurrentUploads = 3
	DefaultMaxRetryAttempts     = 2

	MinConcurrentUploads = 1
	MaxConcurrentUploads = 10
	MaxRetryAttempts     = 5
)

// DefaultLimits mirrors the defaults of a fresh profile.
func DefaultLimits() Limits {
	return Limits{MaxConcurrentUploads: DefaultMaxConcurrentUploads, MaxRetryAttempts: DefaultMaxRetryAttempts}
}

// Validate checks the documented ranges.
func (l Limits) Validate() error {
	if l.MaxConcurrentUploads < MinConcurrentUploads || l.MaxConcurrentUploads > MaxConcurrentUploads {
		return &ValidationError{Field: "max_concurrent_uploads", Reason: fmt.Sprintf("must be between %d and %d, got %d", MinConcurrentUploads, MaxConcurrentUploads, l.MaxConcurrentUploads)}
	}
	if l.MaxRetryAttempts < 0 || l.MaxRetryAttempts > MaxRetryAttempts {
		return &ValidationError{Field: "max_retry_attempts", Reason: fmt.Sprintf("must be between 0 and %d, got %d", MaxRetryAttempts, l.MaxRetryAttempts)}
	}
	if l.RatePerSec < 0 {
		return &ValidationError{Field: "rate_per_sec", Reason: "must be >= 0"}
	}
	return nil
}
