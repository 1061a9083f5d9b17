// Package goals implements the durable goal registry: ordered
// subtasks, status lifecycle, and the per-goal gate fields the PR/CI
// gate persists between external actions. Goals live in a single
// versioned JSON document written atomically; records that fail
// validation on load are quarantined, never dropped, and never block
// startup. The store assumes a single writing process and refuses to
// overwrite a file that changed externally.
package goals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/storage"
)

const (
	schemaVersion      = 1
	storeFileName      = "goals.json"
	quarantineFileName = "goals.quarantine.json"
)

// storeFile is the persisted envelope.
type storeFile struct {
	SchemaVersion int              `json:"schema_version"`
	Goals         map[string]*Goal `json:"goals"`
}

// Store is the durable goal registry. All methods are safe for
// concurrent use; every mutation is persisted before it returns.
type Store struct {
	mu     sync.Mutex
	path   string
	qpath  string
	logger *logging.Logger
	schema *jsonschema.Schema
	goals  map[string]*Goal

	// guard detects foreign writes to the store file between our own
	// saves; the store refuses to overwrite them.
	guard *storage.ModGuard
}

// NewStore opens (or creates) the goal registry under dir. Corrupt
// records are appended to the quarantine file and retained in the
// registry as blocked goals; only unreadable storage fails the open.
func NewStore(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	schema, err := compileGoalSchema()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, storeFileName)
	s := &Store{
		path:   path,
		qpath:  filepath.Join(dir, quarantineFileName),
		logger: logger,
		schema: schema,
		goals:  make(map[string]*Goal),
		guard:  storage.NewModGuard(path),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	updateStatusGauges(s.goals)
	return s, nil
}

// Path returns the location of the persisted registry, for callers
// that watch the state directory.
func (s *Store) Path() string {
	return s.path
}

// LastWrite returns the stat of the file as last touched by this
// process, letting a watcher tell our own writes from foreign ones.
func (s *Store) LastWrite() (mod time.Time, size int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.Last()
}

// CreateParams are the caller-supplied fields of a new goal. Subtasks
// are descriptions; every subtask starts pending.
type CreateParams struct {
	Title          string
	Source         Source
	Priority       int
	IdempotencyKey string
	Subtasks       []string
}

func (p CreateParams) validate() error {
	if p.Title == "" {
		return errors.New("goal title required")
	}
	if !p.Source.valid() {
		return fmt.Errorf("unknown goal source %q", p.Source)
	}
	if p.Priority < 0 {
		return fmt.Errorf("negative priority %d", p.Priority)
	}
	return nil
}

// Create registers a new goal in status proposed. When an open goal
// already covers the same idempotency key (or, absent a key, the same
// source and title), Create returns that goal together with
// ErrDuplicateGoal so repeated scans stay idempotent.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Goal, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findOpenDuplicate(p); existing != nil {
		DuplicatesTotal.Inc()
		s.logger.Debug(ctx, "duplicate goal creation ignored",
			zap.String("goal_id", existing.ID),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.String("title", p.Title))
		return existing.Clone(), ErrDuplicateGoal
	}

	now := time.Now().UTC()
	g := &Goal{
		ID:             uuid.NewString(),
		Title:          p.Title,
		Status:         StatusProposed,
		Source:         p.Source,
		Priority:       p.Priority,
		IdempotencyKey: p.IdempotencyKey,
		Gate:           GateNoBranch,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, desc := range p.Subtasks {
		g.Subtasks = append(g.Subtasks, Subtask{Description: desc, Status: SubtaskPending})
	}

	s.goals[g.ID] = g
	if err := s.save(); err != nil {
		delete(s.goals, g.ID)
		return nil, err
	}
	CreatedTotal.WithLabelValues(string(g.Source)).Inc()
	s.logger.Info(ctx, "goal created",
		zap.String("goal_id", g.ID),
		zap.String("title", g.Title),
		zap.String("source", string(g.Source)),
		zap.Int("priority", g.Priority),
		zap.Int("subtasks", len(g.Subtasks)))
	return g.Clone(), nil
}

// findOpenDuplicate implements the creation idempotency rule against
// goals that are not yet terminal.
func (s *Store) findOpenDuplicate(p CreateParams) *Goal {
	for _, g := range s.goals {
		if g.Status.Terminal() {
			continue
		}
		if p.IdempotencyKey != "" {
			if g.IdempotencyKey == p.IdempotencyKey {
				return g
			}
			continue
		}
		if g.Source == p.Source && g.Title == p.Title {
			return g
		}
	}
	return nil
}

// Get returns a copy of the goal with the given id.
func (s *Store) Get(id string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	return g.Clone(), nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses []Status
	Source   Source
	Open     bool
}

func (f Filter) matches(g *Goal) bool {
	if f.Open && !g.Status.Open() {
		return false
	}
	if f.Source != "" && g.Source != f.Source {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if g.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns matching goals ordered by descending priority, then
// ascending creation time, then id. The order is deterministic so the
// orchestrator's selection is reproducible.
func (s *Store) List(f Filter) []*Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Goal, 0, len(s.goals))
	for _, g := range s.goals {
		if f.matches(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateStatus moves a goal to a new status, enforcing the legal
// transition set. Completion additionally requires every subtask
// resolved and the gate merged. For transitions into blocked the
// reason is recorded on the goal; a transition out of blocked clears
// it and resets the failure budgets.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status, reason string) (*Goal, error) {
	if !to.valid() {
		return nil, fmt.Errorf("unknown goal status %q", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	return s.updateStatusLocked(ctx, g, to, reason)
}

func (s *Store) updateStatusLocked(ctx context.Context, g *Goal, to Status, reason string) (*Goal, error) {
	if !CanTransition(g.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, g.Status, to)
	}
	if to == StatusCompleted {
		if !g.SubtasksResolved() {
			return nil, fmt.Errorf("%w: unresolved subtasks remain", ErrCompletionBlocked)
		}
		if g.Gate != GateMerged {
			return nil, fmt.Errorf("%w: gate is %s, want %s", ErrCompletionBlocked, g.Gate, GateMerged)
		}
	}

	snapshot := g.Clone()
	from := g.Status
	g.Status = to
	switch to {
	case StatusBlocked:
		g.BlockedReason = reason
	case StatusActive:
		if from == StatusBlocked {
			// A resumed goal gets fresh retry budgets, otherwise it
			// would re-block on the next failure.
			g.BlockedReason = ""
			g.PermanentFailures = 0
			g.RedRetries = 0
		}
	}
	g.UpdatedAt = time.Now().UTC()

	if err := s.save(); err != nil {
		s.goals[g.ID] = snapshot
		return nil, err
	}
	TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	fields := []zap.Field{
		zap.String("goal_id", g.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	s.logger.Info(ctx, "goal status changed", fields...)
	return g.Clone(), nil
}

// Activate promotes a proposed goal for orchestrator pickup.
func (s *Store) Activate(ctx context.Context, id string) (*Goal, error) {
	return s.UpdateStatus(ctx, id, StatusActive, "")
}

// Resume moves an explicitly blocked goal back to active. Unlike
// Activate it rejects goals in any other status, so an operator
// cannot accidentally resume a proposed or terminal goal.
func (s *Store) Resume(ctx context.Context, id string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	if g.Status != StatusBlocked {
		return nil, fmt.Errorf("%w: %s is %s, resume requires blocked", ErrInvalidTransition, id, g.Status)
	}
	return s.updateStatusLocked(ctx, g, StatusActive, "")
}

// Abandon explicitly retires a goal from any open status. The reason
// is logged but not persisted.
func (s *Store) Abandon(ctx context.Context, id string, reason string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	return s.updateStatusLocked(ctx, g, StatusAbandoned, reason)
}

// AdvanceSubtask moves the first unresolved subtask one step forward:
// pending becomes in-progress, in-progress becomes done. The goal
// must be active.
func (s *Store) AdvanceSubtask(ctx context.Context, id string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	if g.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, g.Status)
	}
	idx, ok := g.NextSubtask()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingSubtasks, id)
	}

	snapshot := g.Clone()
	var next SubtaskStatus
	switch g.Subtasks[idx].Status {
	case SubtaskPending:
		next = SubtaskInProgress
	case SubtaskInProgress:
		next = SubtaskDone
	}
	g.Subtasks[idx].Status = next
	g.UpdatedAt = time.Now().UTC()

	if err := s.save(); err != nil {
		s.goals[g.ID] = snapshot
		return nil, err
	}
	s.logger.Info(ctx, "subtask advanced",
		zap.String("goal_id", g.ID),
		zap.Int("subtask", idx),
		zap.String("status", string(next)))
	return g.Clone(), nil
}

// SkipSubtask marks one unresolved subtask skipped, unblocking the
// ones behind it. The goal must be active.
func (s *Store) SkipSubtask(ctx context.Context, id string, index int, reason string) (*Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	if g.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, g.Status)
	}
	if index < 0 || index >= len(g.Subtasks) {
		return nil, fmt.Errorf("subtask index %d out of range for goal %s", index, id)
	}
	if g.Subtasks[index].Status.resolved() {
		return nil, fmt.Errorf("subtask %d of goal %s already %s", index, id, g.Subtasks[index].Status)
	}

	snapshot := g.Clone()
	g.Subtasks[index].Status = SubtaskSkipped
	g.UpdatedAt = time.Now().UTC()

	if err := s.save(); err != nil {
		s.goals[g.ID] = snapshot
		return nil, err
	}
	s.logger.Info(ctx, "subtask skipped",
		zap.String("goal_id", g.ID),
		zap.Int("subtask", index),
		zap.String("reason", reason))
	return g.Clone(), nil
}

// GateUpdate carries the gate-owned fields of a goal. Nil fields are
// left untouched, so one call persists exactly one gate transition.
type GateUpdate struct {
	State             *GateState
	Branch            *string
	PR                *int64
	GreenStreak       *int
	RedRetries        *int
	PermanentFailures *int
}

// SetGate applies a gate update and persists it in a single write.
// The gate calls this before every next external action, which is
// what makes a crash between steps recoverable.
func (s *Store) SetGate(ctx context.Context, id string, u GateUpdate) (*Goal, error) {
	if u.State != nil && !u.State.valid() {
		return nil, fmt.Errorf("unknown gate state %q", *u.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
	}
	if g.Status.Terminal() {
		return nil, fmt.Errorf("%w: gate update on %s goal %s", ErrInvalidTransition, g.Status, id)
	}

	snapshot := g.Clone()
	from := g.Gate
	if u.State != nil {
		g.Gate = *u.State
	}
	if u.Branch != nil {
		g.Branch = *u.Branch
	}
	if u.PR != nil {
		g.PRID = *u.PR
	}
	if u.GreenStreak != nil {
		g.GreenStreak = *u.GreenStreak
	}
	if u.RedRetries != nil {
		g.RedRetries = *u.RedRetries
	}
	if u.PermanentFailures != nil {
		g.PermanentFailures = *u.PermanentFailures
	}
	g.UpdatedAt = time.Now().UTC()

	if err := s.save(); err != nil {
		s.goals[g.ID] = snapshot
		return nil, err
	}
	if u.State != nil && *u.State != from {
		s.logger.Info(ctx, "gate state changed",
			zap.String("goal_id", g.ID),
			zap.String("from", string(from)),
			zap.String("to", string(*u.State)))
	}
	return g.Clone(), nil
}

// QuarantineEntry is one line of the quarantine file: the raw bytes
// of a rejected record plus why it was rejected.
type QuarantineEntry struct {
	QuarantinedAt time.Time       `json:"quarantined_at"`
	GoalID        string          `json:"goal_id,omitempty"`
	Reason        string          `json:"reason"`
	Raw           json.RawMessage `json:"raw"`
}

// Quarantined returns every record quarantined so far, oldest first.
func (s *Store) Quarantined() ([]QuarantineEntry, error) {
	data, err := os.ReadFile(s.qpath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quarantine file: %w", err)
	}
	var entries []QuarantineEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e QuarantineEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode quarantine entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// load reads the persisted registry. Individual corrupt records are
// quarantined and replaced with blocked husks; a wholly unreadable
// document is quarantined in one piece and the registry starts empty.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read goal store: %w", err)
	}
	s.guard.Remember()

	var envelope struct {
		SchemaVersion int                        `json:"schema_version"`
		Goals         map[string]json.RawMessage `json:"goals"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		if qerr := s.quarantine("", data, fmt.Sprintf("store document unparseable: %v", err)); qerr != nil {
			return qerr
		}
		s.logger.Error(context.Background(), "goal store unparseable, quarantined whole document",
			zap.String("path", s.path),
			zap.Error(err))
		return nil
	}
	if envelope.SchemaVersion > schemaVersion {
		s.logger.Warn(context.Background(), "goal store written by a newer schema version",
			zap.Int("file_version", envelope.SchemaVersion),
			zap.Int("supported", schemaVersion))
	}

	for id, raw := range envelope.Goals {
		g, err := s.decodeRecord(id, raw)
		if err != nil {
			if qerr := s.quarantine(id, raw, err.Error()); qerr != nil {
				return qerr
			}
			s.logger.Error(context.Background(), "goal record quarantined",
				zap.String("goal_id", id),
				zap.Error(err))
			if husk := salvageBlocked(id, raw, err); husk != nil {
				s.goals[husk.ID] = husk
			}
			continue
		}
		s.goals[id] = g
	}
	return nil
}

// decodeRecord validates and decodes one persisted goal.
func (s *Store) decodeRecord(id string, raw json.RawMessage) (*Goal, error) {
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if err := s.schema.Validate(val); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	var g Goal
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if g.ID != id {
		return nil, fmt.Errorf("record id %q does not match key %q", g.ID, id)
	}
	if g.Gate == "" {
		g.Gate = GateNoBranch
	}
	if g.Status == StatusCompleted && !g.CanComplete() {
		return nil, errors.New("completed goal violates completion requirements")
	}
	return &g, nil
}

// salvageBlocked builds a blocked placeholder for a quarantined
// record so the goal stays visible to operators instead of silently
// vanishing. Returns nil when not even an id can be recovered.
func salvageBlocked(id string, raw json.RawMessage, cause error) *Goal {
	var probe struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Source string `json:"source"`
		Gate   string `json:"gate"`
	}
	_ = json.Unmarshal(raw, &probe)
	if probe.ID == "" {
		probe.ID = id
	}
	if probe.ID == "" {
		return nil
	}
	if probe.Title == "" {
		probe.Title = "quarantined goal " + probe.ID
	}
	source := Source(probe.Source)
	if !source.valid() {
		source = SourceSelf
	}
	gate := GateState(probe.Gate)
	if !gate.valid() {
		// Without a trustworthy gate the safe stance is inert.
		gate = GateClosed
	}
	now := time.Now().UTC()
	return &Goal{
		ID:            probe.ID,
		Title:         probe.Title,
		Status:        StatusBlocked,
		Source:        source,
		Gate:          gate,
		BlockedReason: fmt.Sprintf("record quarantined: %v", cause),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// quarantine appends the rejected bytes to the quarantine file. A
// failure here is fatal to the caller: losing the quarantine write
// would silently discard the record on the next save.
func (s *Store) quarantine(id string, raw []byte, reason string) error {
	entry := QuarantineEntry{
		QuarantinedAt: time.Now().UTC(),
		GoalID:        id,
		Reason:        reason,
		Raw:           rawPayload(raw),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode quarantine entry: %w", err)
	}
	if err := storage.AppendLine(s.qpath, line); err != nil {
		return fmt.Errorf("append quarantine entry: %w", err)
	}
	QuarantinedTotal.Inc()
	return nil
}

// rawPayload embeds the rejected bytes verbatim when they are valid
// JSON, and as a JSON string otherwise.
func rawPayload(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}

// save writes the registry atomically. The caller must hold s.mu.
func (s *Store) save() error {
	if err := s.guard.Check(); err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", ErrStateCorruption, err)
	}
	doc := storeFile{SchemaVersion: schemaVersion, Goals: s.goals}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}
	if err := storage.WriteFileAtomic(s.path, data, 0o600); err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.guard.Remember()
	SavesTotal.WithLabelValues("success").Inc()
	updateStatusGauges(s.goals)
	return nil
}
