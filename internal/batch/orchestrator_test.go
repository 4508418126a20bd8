package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailbatch/internal/compose"
	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/download"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/notify"
	"github.com/foxzi/mailbatch/internal/quota"
	"github.com/foxzi/mailbatch/internal/template"
)

type fakeComposer struct {
	mu       sync.Mutex
	opens    int
	filled   []string
	sent     []string
	mocked   []string
	discards int
	fillErr  map[string]error
	reject   map[string]string
	onSend   func(email string)
}

func (f *fakeComposer) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeComposer) FillRow(ctx context.Context, tmpl *template.Template, row *dataset.Row, includeAttachments bool, onUploading func(bool)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row == nil {
		f.filled = append(f.filled, "")
		return false, nil
	}
	email := row.Email()
	if err := f.fillErr[email]; err != nil {
		return false, err
	}
	f.filled = append(f.filled, email)
	onUploading(false)
	return true, nil
}

func (f *fakeComposer) Send(ctx context.Context, label string, mock bool) compose.SendResult {
	if f.onSend != nil {
		f.onSend(label)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if mock {
		f.mocked = append(f.mocked, label)
		return compose.SendResult{Success: true, Message: "mock send"}
	}
	if reason := f.reject[label]; reason != "" {
		return compose.SendResult{Rejected: true, Message: reason}
	}
	f.sent = append(f.sent, label)
	return compose.SendResult{Success: true}
}

func (f *fakeComposer) DiscardDraft(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return nil
}

func (f *fakeComposer) WatchUploads(ctx context.Context, onChange func(bool)) func() {
	onChange(false)
	return func() {}
}

type fakeWriter struct {
	mu    sync.Mutex
	err   error
	calls int
	name  string
	rows  int
}

func (w *fakeWriter) Write(ctx context.Context, ds *dataset.Dataset, originalName string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.name = originalName
	w.rows = ds.Len()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if w.err != nil {
		return "", w.err
	}
	return "mem://" + originalName, nil
}

type fakeQuota struct {
	allow int
	calls int
}

func (q *fakeQuota) Allow(ctx context.Context, recipient string) (*quota.Result, error) {
	q.calls++
	if q.calls > q.allow {
		return &quota.Result{DeniedBy: quota.LevelGlobal, DeniedKey: "global:global", RetryAfter: time.Hour}, nil
	}
	return &quota.Result{Allowed: true}, nil
}

type fakeRecorder struct {
	runs []*history.Run
}

func (r *fakeRecorder) Save(ctx context.Context, run *history.Run) error {
	run.ID = "run-1"
	r.runs = append(r.runs, run)
	return nil
}

func testConfig() Config {
	return Config{IncludeAttachments: true, EmailPolicy: dataset.PolicyLenient}
}

func testDataset(emails ...string) *dataset.Dataset {
	rows := make([]*dataset.Row, len(emails))
	for i, e := range emails {
		rows[i] = dataset.RowFromPairs("Email", e, "Name", "n"+e)
	}
	return dataset.New(rows, []string{"Email", "Name"})
}

func testTemplate() *template.Template {
	return &template.Template{Name: "welcome", Subject: "Hi {{email}}", Body: "Hello {{ name }}"}
}

func newLoaded(t *testing.T, c Composer, w Writer, cfg Config, ds *dataset.Dataset, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(c, w, cfg, opts...)
	if err := o.Load(ds, "list.xlsx"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := o.SelectTemplate(testTemplate()); err != nil {
		t.Fatalf("SelectTemplate() error = %v", err)
	}
	return o
}

func statuses(ds *dataset.Dataset) []dataset.Status {
	out := make([]dataset.Status, ds.Len())
	for i, r := range ds.Rows {
		out[i] = r.Status()
	}
	return out
}

func equalStatuses(a, b []dataset.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name string
		ds   *dataset.Dataset
		tmpl *template.Template
	}{
		{"no rows", testDataset(), testTemplate()},
		{"nil dataset", nil, testTemplate()},
		{"no template", testDataset("a@x.com"), nil},
		{"no subject", testDataset("a@x.com"), &template.Template{Name: "t", Body: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeComposer{}
			w := &fakeWriter{}
			o := New(c, w, testConfig())
			o.Load(tt.ds, "list.csv")
			o.SelectTemplate(tt.tmpl)

			s, err := o.Run(context.Background())
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Run() error = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Reason == "" {
				t.Errorf("Run() error %v is not a ValidationError with reason", err)
			}
			if s != nil {
				t.Error("Run() returned a summary for an invalid batch")
			}
			if c.opens != 0 || w.calls != 0 {
				t.Error("invalid batch touched the surface or the writer")
			}
		})
	}
}

func TestLoadAddsTrackingColumns(t *testing.T) {
	ds := testDataset("a@x.com")
	o := New(&fakeComposer{}, nil, testConfig())
	if err := o.Load(ds, "list.csv"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := o.Load(ds, "list.csv"); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}

	want := []string{"Email", "Name", "status", "time", "reason"}
	if strings.Join(ds.Headers, ",") != strings.Join(want, ",") {
		t.Errorf("Headers = %v, want %v", ds.Headers, want)
	}
	if !ds.Rows[0].Has(dataset.ColumnReason) {
		t.Error("row lacks the reason column")
	}
}

func TestRunCompletes(t *testing.T) {
	c := &fakeComposer{reject: map[string]string{"b@x.com": "Address not found"}}
	w := &fakeWriter{}
	rec := &fakeRecorder{}
	board := notify.NewBoard(0, nil)
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	ds := testDataset("a@x.com", "b@x.com", "c@x.com")

	o := newLoaded(t, c, w, testConfig(), ds,
		WithNotifier(board),
		WithHistory(rec),
		WithClock(func() time.Time { return now }),
	)

	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.State != StateComplete || s.Sent != 2 || s.Failed != 1 || s.Skipped != 0 || s.Remaining != 0 {
		t.Errorf("summary = %+v", s)
	}
	want := []dataset.Status{dataset.StatusSent, dataset.StatusFailed, dataset.StatusSent}
	if got := statuses(ds); !equalStatuses(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	for i, row := range ds.Rows {
		tm, _ := row.Get(dataset.ColumnTime)
		if dataset.ValueString(tm) != "2025-03-01 09:30:00" {
			t.Errorf("row %d time = %v", i, tm)
		}
		reason, _ := row.Get(dataset.ColumnReason)
		if row.Status() == dataset.StatusSent && dataset.ValueString(reason) != "" {
			t.Errorf("sent row %d has reason %v", i, reason)
		}
	}
	if reason, _ := ds.Rows[1].Get(dataset.ColumnReason); reason != "Address not found" {
		t.Errorf("rejected row reason = %v", reason)
	}

	if w.calls != 1 || w.name != "list.xlsx" || s.Output != "mem://list.xlsx" {
		t.Errorf("writer calls=%d name=%q output=%q", w.calls, w.name, s.Output)
	}

	if len(rec.runs) != 1 || s.RunID != "run-1" {
		t.Fatalf("history runs = %d, RunID = %q", len(rec.runs), s.RunID)
	}
	run := rec.runs[0]
	if run.Template != "welcome" || run.State != "complete" || len(run.Messages) != 3 {
		t.Errorf("history run = %+v", run)
	}
	if run.Messages[2].Subject != "Hi c@x.com" {
		t.Errorf("history subject = %q", run.Messages[2].Subject)
	}

	if _, ok := board.Current(); ok {
		t.Error("progress notice still shown after the batch")
	}
	found := false
	for _, n := range board.Recent() {
		if n.Message == s.String() {
			found = true
		}
	}
	if !found {
		t.Errorf("summary %q not shown; notices = %v", s.String(), board.Recent())
	}

	p := o.Progress()
	if p.Sending || p.Index != 0 || p.Label() != "Start sending" {
		t.Errorf("Progress() after batch = %+v", p)
	}
	if o.Status().Last != s {
		t.Error("Status().Last is not the returned summary")
	}
}

func TestRunSkipsSentRows(t *testing.T) {
	c := &fakeComposer{}
	ds := testDataset("a@x.com", "b@x.com", "c@x.com")
	ds.Rows[1].MarkSent(time.Now())
	board := notify.NewBoard(0, nil)

	o := newLoaded(t, c, &fakeWriter{}, testConfig(), ds, WithNotifier(board))
	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.Skipped != 1 || s.Sent != 2 {
		t.Errorf("summary = %+v", s)
	}
	if strings.Join(c.sent, ",") != "a@x.com,c@x.com" {
		t.Errorf("sent = %v", c.sent)
	}

	var skipNotice bool
	for _, n := range board.Recent() {
		if n.Message == "Row 2 already sent, skipping" {
			skipNotice = true
		}
	}
	if !skipNotice {
		t.Error("skip notice not shown")
	}
}

func TestStopBetweenRows(t *testing.T) {
	c := &fakeComposer{}
	w := &fakeWriter{}
	ds := testDataset("a@x.com", "b@x.com", "c@x.com", "d@x.com")
	cfg := testConfig()
	cfg.InterSendDelay = time.Hour

	o := newLoaded(t, c, w, cfg, ds)

	done := make(chan struct{})
	var s *Summary
	var err error
	go func() {
		s, err = o.Run(context.Background())
		close(done)
	}()

	// the pause after the first row is an hour long
	deadline := time.After(2 * time.Second)
	for o.Status().Counts.Sent < 1 {
		select {
		case <-deadline:
			t.Fatal("first row never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !o.Stop() {
		t.Error("Stop() during a batch = false")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.State != StateStopped || s.Sent != 1 || s.Remaining != 3 {
		t.Errorf("summary = %+v", s)
	}
	want := []dataset.Status{dataset.StatusSent, dataset.StatusUnset, dataset.StatusUnset, dataset.StatusUnset}
	if got := statuses(ds); !equalStatuses(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if w.calls != 1 {
		t.Errorf("writer calls = %d, want 1", w.calls)
	}
	if !strings.HasPrefix(s.String(), "Batch stopped") {
		t.Errorf("summary line = %q", s.String())
	}
	if o.Stop() {
		t.Error("Stop() after the batch = true")
	}
}

func TestStopDuringSend(t *testing.T) {
	c := &fakeComposer{}
	ds := testDataset("a@x.com", "b@x.com", "c@x.com")
	o := newLoaded(t, c, &fakeWriter{}, testConfig(), ds)
	c.onSend = func(email string) {
		if email == "b@x.com" {
			o.Stop()
		}
	}

	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// the in-flight send completes and is recorded; nothing after it starts
	want := []dataset.Status{dataset.StatusSent, dataset.StatusSent, dataset.StatusUnset}
	if got := statuses(ds); !equalStatuses(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if s.State != StateStopped || s.Remaining != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestContextCancelFinalizes(t *testing.T) {
	c := &fakeComposer{}
	w := &fakeWriter{}
	ds := testDataset("a@x.com", "b@x.com")
	o := newLoaded(t, c, w, testConfig(), ds)

	ctx, cancel := context.WithCancel(context.Background())
	c.onSend = func(string) { cancel() }

	s, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.State != StateStopped {
		t.Errorf("State = %v, want stopped", s.State)
	}
	if w.calls != 1 || s.Output == "" {
		t.Errorf("results not saved after cancel: calls=%d output=%q", w.calls, s.Output)
	}
}

func TestEmailPolicy(t *testing.T) {
	tests := []struct {
		policy dataset.EmailPolicy
		sent   string
		failed int
	}{
		{dataset.PolicyLenient, "a@x.com,bad,c@x.com", 0},
		{dataset.PolicyContainsAt, "a@x.com,c@x.com", 1},
		{dataset.PolicyStrict, "a@x.com,c@x.com", 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c := &fakeComposer{}
			cfg := testConfig()
			cfg.EmailPolicy = tt.policy
			ds := testDataset("a@x.com", "bad", "c@x.com")

			o := newLoaded(t, c, &fakeWriter{}, cfg, ds)
			s, err := o.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := strings.Join(c.sent, ","); got != tt.sent {
				t.Errorf("sent = %q, want %q", got, tt.sent)
			}
			if s.Failed != tt.failed {
				t.Errorf("Failed = %d, want %d", s.Failed, tt.failed)
			}
			if tt.failed > 0 {
				if reason, _ := ds.Rows[1].Get(dataset.ColumnReason); reason != "invalid email address" {
					t.Errorf("policy reason = %v", reason)
				}
			}
		})
	}
}

func TestFillFailureContinues(t *testing.T) {
	fillErr := &compose.SurfaceError{Op: "set subject", Selector: "input[name=subjectbox]", Err: errors.New("gone")}
	c := &fakeComposer{fillErr: map[string]error{"a@x.com": fillErr}}
	ds := testDataset("a@x.com", "b@x.com")

	o := newLoaded(t, c, &fakeWriter{}, testConfig(), ds)
	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.Failed != 1 || s.Sent != 1 {
		t.Errorf("summary = %+v", s)
	}
	if c.discards != 1 {
		t.Errorf("discards = %d, want 1", c.discards)
	}
	reason, _ := ds.Rows[0].Get(dataset.ColumnReason)
	if !strings.Contains(dataset.ValueString(reason), "set subject") {
		t.Errorf("reason = %v", reason)
	}
}

func TestQuotaStopsBatch(t *testing.T) {
	q := &fakeQuota{allow: 1}
	c := &fakeComposer{}
	ds := testDataset("a@x.com", "b@x.com", "c@x.com")

	o := newLoaded(t, c, &fakeWriter{}, testConfig(), ds, WithQuota(q))
	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.State != StateStopped || s.Sent != 1 || s.Remaining != 2 || s.QuotaReason == "" {
		t.Errorf("summary = %+v", s)
	}
	want := []dataset.Status{dataset.StatusSent, dataset.StatusUnset, dataset.StatusUnset}
	if got := statuses(ds); !equalStatuses(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	// a resumed run skips the sent row and is refused again
	s, _ = o.Run(context.Background())
	if s.Skipped != 1 || s.Sent != 0 || s.Remaining != 2 {
		t.Errorf("resumed summary = %+v", s)
	}
}

func TestQuotaIgnoredInMockMode(t *testing.T) {
	q := &fakeQuota{allow: 0}
	c := &fakeComposer{}
	cfg := testConfig()
	cfg.MockMode = true

	o := newLoaded(t, c, &fakeWriter{}, cfg, testDataset("a@x.com", "b@x.com"), WithQuota(q))
	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if q.calls != 0 {
		t.Errorf("quota consulted %d times in mock mode", q.calls)
	}
	if s.Sent != 2 || len(c.mocked) != 2 || len(c.sent) != 0 || !s.Mock {
		t.Errorf("summary = %+v mocked=%v sent=%v", s, c.mocked, c.sent)
	}
}

func TestWriteFailure(t *testing.T) {
	w := &fakeWriter{err: &download.TransportError{Target: "/out", Err: errors.New("permission denied")}}
	board := notify.NewBoard(0, nil)
	ds := testDataset("a@x.com")

	o := newLoaded(t, &fakeComposer{}, w, testConfig(), ds, WithNotifier(board))
	s, err := o.Run(context.Background())

	var te *download.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want TransportError", err)
	}
	if s == nil || s.OutputErr == "" || s.Sent != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if ds.Rows[0].Status() != dataset.StatusSent {
		t.Error("dataset lost its recorded status after a failed save")
	}

	var errorNotice bool
	for _, n := range board.Recent() {
		if n.Kind == notify.KindError {
			errorNotice = true
		}
	}
	if !errorNotice {
		t.Error("save failure not shown to the user")
	}
}

func TestBusyWhileSending(t *testing.T) {
	c := &fakeComposer{}
	release := make(chan struct{})
	entered := make(chan struct{})
	c.onSend = func(string) {
		close(entered)
		<-release
	}

	o := newLoaded(t, c, &fakeWriter{}, testConfig(), testDataset("a@x.com"))
	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()
	<-entered

	if _, err := o.Run(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Run() error = %v, want ErrBusy", err)
	}
	if err := o.Load(testDataset("z@x.com"), "other.csv"); !errors.Is(err, ErrBusy) {
		t.Errorf("Load() while sending = %v, want ErrBusy", err)
	}
	if err := o.SelectTemplate(nil); !errors.Is(err, ErrBusy) {
		t.Errorf("SelectTemplate() while sending = %v, want ErrBusy", err)
	}
	if _, err := o.Preview(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Preview() while sending = %v, want ErrBusy", err)
	}
	st := o.Status()
	if st.State != StateSending || st.CanSend || st.Label != "Sending (0/1)" {
		t.Errorf("Status() while sending = %+v", st)
	}

	close(release)
	<-done
}

func TestCanSend(t *testing.T) {
	o := New(&fakeComposer{}, nil, testConfig())
	if o.CanSend() {
		t.Fatal("CanSend() without data = true")
	}

	o.Load(testDataset("no-address"), "list.csv")
	o.SelectTemplate(testTemplate())
	if o.CanSend() {
		t.Error("CanSend() without any address containing @ = true")
	}

	o.Load(testDataset("a@x.com"), "list.csv")
	if !o.CanSend() {
		t.Error("CanSend() with rows and template = false")
	}

	o.setUploading(true)
	if o.CanSend() {
		t.Error("CanSend() while uploading = true")
	}
	o.setUploading(false)

	o.SelectTemplate(&template.Template{Name: "empty"})
	if o.CanSend() {
		t.Error("CanSend() with empty subject = true")
	}
}

func TestPreview(t *testing.T) {
	c := &fakeComposer{}
	o := New(c, nil, testConfig())
	o.SelectTemplate(testTemplate())

	filled, err := o.Preview(context.Background())
	if err != nil || filled {
		t.Errorf("Preview() without rows = %v, %v", filled, err)
	}

	o.Load(testDataset("a@x.com", "b@x.com"), "list.csv")
	filled, err = o.Preview(context.Background())
	if err != nil || !filled {
		t.Errorf("Preview() = %v, %v", filled, err)
	}
	if c.opens != 2 || strings.Join(c.filled, ",") != ",a@x.com" {
		t.Errorf("opens = %d filled = %v", c.opens, c.filled)
	}
}

func TestDismiss(t *testing.T) {
	c := &fakeComposer{}
	o := New(c, nil, testConfig())
	if err := o.Dismiss(context.Background()); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if c.discards != 1 {
		t.Errorf("discards = %d, want 1", c.discards)
	}
	if o.Stop() {
		t.Error("Stop() on idle orchestrator = true")
	}
}

func TestSummaryString(t *testing.T) {
	tests := []struct {
		s    Summary
		want string
	}{
		{Summary{State: StateComplete, Sent: 3}, "Batch complete: 3 sent, 0 failed, 0 skipped"},
		{Summary{State: StateStopped, Mock: true, Sent: 1, Failed: 1, Skipped: 2, Remaining: 4},
			"Batch stopped (mock): 1 sent, 1 failed, 2 skipped, 4 not processed"},
		{Summary{State: StateStopped, Remaining: 1, QuotaReason: "send quota reached for account, retry in 1h0m0s"},
			"Batch stopped: 0 sent, 0 failed, 0 skipped, 1 not processed; send quota reached for account, retry in 1h0m0s"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
