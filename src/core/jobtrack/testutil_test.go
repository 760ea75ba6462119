package jobtrack_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"scribed/src/core/jobtrack"
	"scribed/src/infrastructure/bus"
)

// newTestBus builds an in-process pub/sub and the subscriber adapter
// the connection manager consumes.
func newTestBus() (*gochannel.GoChannel, *bus.Subscriber) {
	// BlockPublishUntilSubscriberAck keeps delivery in publish order,
	// matching the ordering guarantee of the production AMQP queue.
	pubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	return pubSub, bus.NewSubscriber(pubSub)
}

func publishRaw(t *testing.T, pubSub *gochannel.GoChannel, payload []byte) {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := pubSub.Publish(bus.UpdateTopic, msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

// memJobRepo is an in-memory JobRepository with failure injection.
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*jobtrack.Job
	createErr error
	updateErr error
	findErr   error
	creates   []string
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*jobtrack.Job)}
}

func (r *memJobRepo) Create(_ context.Context, job *jobtrack.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	clone := *job
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	r.jobs[job.ID] = &clone
	r.creates = append(r.creates, job.ID)
	return nil
}

func (r *memJobRepo) Get(_ context.Context, id string) (*jobtrack.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &clone, nil
}

func (r *memJobRepo) Update(_ context.Context, id string, fields jobtrack.UpdateFields) (*jobtrack.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	job, ok := r.jobs[id]
	if !ok {
		return nil, jobtrack.ErrJobNotFound
	}
	if fields.Status != nil && job.Status.CanTransition(*fields.Status) {
		job.Status = *fields.Status
	}
	if fields.Result != nil {
		job.Result = fields.Result
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = fields.ErrorMessage
	}
	if fields.Language != nil {
		job.Language = fields.Language
	}
	if fields.LanguageProbability != nil {
		job.LanguageProbability = fields.LanguageProbability
	}
	if fields.ProcessingTimeSeconds != nil {
		job.ProcessingTimeSeconds = fields.ProcessingTimeSeconds
	}
	job.UpdatedAt = time.Now()
	clone := *job
	return &clone, nil
}

func (r *memJobRepo) Find(_ context.Context, filter jobtrack.JobFilter) ([]jobtrack.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []jobtrack.Job
	for _, job := range r.jobs {
		if len(filter.Statuses) > 0 {
			matched := false
			for _, status := range filter.Statuses {
				if job.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if !filter.UpdatedAfter.IsZero() && !job.UpdatedAt.After(filter.UpdatedAfter) {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (r *memJobRepo) status(t *testing.T, id string) jobtrack.JobStatus {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		t.Fatalf("job %s not found in repo", id)
	}
	return job.Status
}

// memActiveSet is an in-memory ActiveSet with failure injection.
type memActiveSet struct {
	mu         sync.Mutex
	members    map[string]struct{}
	addErr     error
	membersErr error
}

func newMemActiveSet() *memActiveSet {
	return &memActiveSet{members: make(map[string]struct{})}
}

func (s *memActiveSet) Add(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.members[jobID] = struct{}{}
	return nil
}

func (s *memActiveSet) Remove(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, jobID)
	return nil
}

func (s *memActiveSet) Members(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.membersErr != nil {
		return nil, s.membersErr
	}
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out, nil
}

func (s *memActiveSet) contains(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[jobID]
	return ok
}

// stubDispatcher records dispatches and can fail on demand.
type stubDispatcher struct {
	mu       sync.Mutex
	err      error
	jobs     []string
}

func (d *stubDispatcher) Dispatch(_ context.Context, job *jobtrack.Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.jobs = append(d.jobs, job.ID)
	return "task-" + job.ID, nil
}

type recvOutcome struct {
	data string
	err  error
}

var errPeerGone = errors.New("peer gone")

// fakeConn is a scriptable session transport.
type fakeConn struct {
	mu          sync.Mutex
	sent        []interface{}
	sendErr     error
	recv        chan recvOutcome
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan recvOutcome, 16)}
}

func (c *fakeConn) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Receive(timeout time.Duration) (string, error) {
	select {
	case o, ok := <-c.recv:
		if !ok {
			return "", io.EOF
		}
		return o.data, o.err
	case <-time.After(timeout):
		return "", jobtrack.ErrReceiveTimeout
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentEnvelopes() []*jobtrack.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*jobtrack.Envelope
	for _, v := range c.sent {
		if env, ok := v.(*jobtrack.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// eventually polls the condition until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testManagerConfig() jobtrack.ManagerConfig {
	return jobtrack.ManagerConfig{
		PollTimeout:      10 * time.Millisecond,
		IdleDelay:        time.Millisecond,
		ReadTimeout:      20 * time.Millisecond,
		PingFailureLimit: 3,
	}
}
