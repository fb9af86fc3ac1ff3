// Package job defines the queued unit of work and its retry state machine.
//
// A Job is created in memory with [New], optionally delayed with
// [Job.ScheduleIn], persisted by the store, and after being claimed by a
// worker either marked completed or passed through [Job.Fail].
package job

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/google/uuid"
)

const (
	// DefaultMaxRetries is the retry ceiling applied by New.
	DefaultMaxRetries = 3

	// DefaultBaseRetryMinutes is the backoff unit applied by New.
	DefaultBaseRetryMinutes = 20
)

// Type tags a job with the handler that executes it. The set is open: tags
// without a registered handler are still storable.
type Type string

// Job types known to this binary.
const (
	TypeOne Type = "JOB_TYPE_1"
	TypeTwo Type = "JOB_TYPE_2"
)

// KnownTypes lists the tags the bundled handlers cover.
var KnownTypes = []Type{TypeOne, TypeTwo}

var (
	// ErrAlreadyScheduled is returned when ripe_at is set a second time.
	ErrAlreadyScheduled = errors.New("job ripe_at is already set")

	// ErrZeroDelay is returned when a schedule call carries no delay.
	ErrZeroDelay = errors.New("job delay must be positive")

	// ErrInvalidArgument is returned when an argument is not an int, string or bool.
	ErrInvalidArgument = errors.New("job argument must be an integer, string or boolean")
)

// Arguments are the scalar key/value inputs of a job. Values are int64,
// string or bool once validated or decoded from storage.
type Arguments map[string]any

// Job is one queued unit of work.
type Job struct {
	ID               uuid.UUID  `json:"id"`
	Type             Type       `json:"job_type"`
	Arguments        Arguments  `json:"arguments"`
	Tries            int        `json:"tries"`
	MaxRetries       int        `json:"max_retries"`
	BaseRetryMinutes int        `json:"base_retry_minutes"`
	RipeAt           *time.Time `json:"ripe_at,omitempty"`

	// Completed is set after a successful execution. It is never persisted:
	// a completed job is simply absent from storage.
	Completed bool `json:"-"`
}

// New returns an unsaved job with the default retry settings and no delay.
func New(t Type, args Arguments) *Job {
	if args == nil {
		args = Arguments{}
	}
	return &Job{
		Type:             t,
		Arguments:        args,
		MaxRetries:       DefaultMaxRetries,
		BaseRetryMinutes: DefaultBaseRetryMinutes,
	}
}

// ScheduleIn sets ripe_at to now+d. It may be called at most once, and only
// with a positive delay.
func (j *Job) ScheduleIn(now time.Time, d time.Duration) error {
	if j.RipeAt != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, j.RipeAt.Format(time.RFC3339))
	}
	if d <= 0 {
		return ErrZeroDelay
	}
	at := now.Add(d)
	j.RipeAt = &at
	return nil
}

// RunsIn is ScheduleIn against the wall clock.
func (j *Job) RunsIn(d time.Duration) error {
	return j.ScheduleIn(time.Now(), d)
}

// Ripe reports whether the job is eligible for execution at now.
func (j *Job) Ripe(now time.Time) bool {
	return j.RipeAt == nil || !j.RipeAt.After(now)
}

// Validate checks that every argument is a supported scalar, normalising
// Go integer kinds and whole-valued floats from plain JSON decoding to int64.
// Floats at or beyond 2^53 are rejected; decode such values with UseNumber.
func (a Arguments) Validate() error {
	for k, v := range a {
		switch n := v.(type) {
		case string, bool, int64:
		case int:
			a[k] = int64(n)
		case int32:
			a[k] = int64(n)
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return fmt.Errorf("%w: %q=%s", ErrInvalidArgument, k, n)
			}
			a[k] = i
		case float64:
			// Past 2^53 the decoder may already have rounded the integer.
			if n != math.Trunc(n) || math.Abs(n) >= maxExactFloat {
				return fmt.Errorf("%w: %q=%v", ErrInvalidArgument, k, n)
			}
			a[k] = int64(n)
		default:
			return fmt.Errorf("%w: %q has type %T", ErrInvalidArgument, k, v)
		}
	}
	return nil
}

// DecodeArguments parses the stored JSON object, keeping integers as int64.
func DecodeArguments(raw []byte) (Arguments, error) {
	args := Arguments{}
	if len(raw) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// maxExactFloat is 2^53: above it a float64 no longer holds every integer.
const maxExactFloat = 1 << 53

// signatureFields is the canonicalised input of Signature.
type signatureFields struct {
	Type      Type                      `json:"job_type"`
	Arguments map[string]signatureValue `json:"arguments"`
}

// signatureValue tags each argument with its kind. Integers travel as
// decimal text because RFC 8785 reads every number as an IEEE double.
type signatureValue struct {
	Kind  string `json:"k"`
	Value any    `json:"v"`
}

// Signature returns the hex SHA-256 of the RFC 8785 serialisation of the
// job type and arguments. Two jobs with the same type and arguments share a
// signature regardless of map ordering; 1 and "1" do not.
func (j *Job) Signature() (string, error) {
	args := j.Clone().Arguments
	if err := args.Validate(); err != nil {
		return "", err
	}
	fields := signatureFields{Type: j.Type, Arguments: make(map[string]signatureValue, len(args))}
	for k, v := range args {
		switch v := v.(type) {
		case int64:
			fields.Arguments[k] = signatureValue{Kind: "int", Value: strconv.FormatInt(v, 10)}
		case string:
			fields.Arguments[k] = signatureValue{Kind: "str", Value: v}
		case bool:
			fields.Arguments[k] = signatureValue{Kind: "bool", Value: v}
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	jcs, err := jsoncanonical.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize signature: %w", err)
	}
	sum := sha256.Sum256(jcs)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Arguments != nil {
		c.Arguments = make(Arguments, len(j.Arguments))
		for k, v := range j.Arguments {
			c.Arguments[k] = v
		}
	}
	if j.RipeAt != nil {
		at := *j.RipeAt
		c.RipeAt = &at
	}
	return &c
}

func (j *Job) String() string {
	ripe := "now"
	if j.RipeAt != nil {
		ripe = j.RipeAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("job %s type=%s ripe_at=%s tries=%d/%d base=%dm",
		j.ID, j.Type, ripe, j.Tries, j.MaxRetries, j.BaseRetryMinutes)
}
