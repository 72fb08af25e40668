package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/friendsincode/playcall/internal/models"
)

var errNotFound = errors.New("not found")

// fakeSpeech synthesizes "audio:<text>". A non-nil gate blocks every call until closed;
// a held text blocks only calls for that text.
type fakeSpeech struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	gate  chan struct{}
	holds map[string]chan struct{}
}

func newFakeSpeech() *fakeSpeech {
	return &fakeSpeech{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		holds: make(map[string]chan struct{}),
	}
}

// hold blocks synthesis of text until the returned release is called.
func (f *fakeSpeech) hold(text string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[text] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, voice models.VoiceParams) ([]byte, error) {
	f.mu.Lock()
	f.calls[text]++
	err := f.fail[text]
	gate := f.gate
	held := f.holds[text]
	f.mu.Unlock()

	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("audio:" + text), nil
}

func (f *fakeSpeech) setFail(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, text)
		return
	}
	f.fail[text] = err
}

func (f *fakeSpeech) count(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func (f *fakeSpeech) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeClipStore struct {
	mu   sync.Mutex
	puts map[string][]byte
	fail error
}

func newFakeClipStore() *fakeClipStore {
	return &fakeClipStore{puts: make(map[string][]byte)}
}

func (f *fakeClipStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.puts[key] = data
	return "mem://" + key, nil
}

// fakeRepo is an in-memory PlayRepository and SessionRepository.
type fakeRepo struct {
	mu            sync.Mutex
	plays         map[string]models.Play
	sessions      map[string]models.ListeningSession
	upsertErr     error
	beforeUpsert  func(playID string)
	upsertCalls   int
	getPlayErr    error
	createSessErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		plays:    make(map[string]models.Play),
		sessions: make(map[string]models.ListeningSession),
	}
}

func (f *fakeRepo) addPlay(p models.Play) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays[p.ID] = p
}

func (f *fakeRepo) clipURL(playID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plays[playID]
	if !ok {
		return "", false
	}
	ready, ok := p.Clip().(models.Ready)
	return ready.URL, ok
}

func (f *fakeRepo) UpsertClip(ctx context.Context, playID, url string, generatedAt time.Time) (string, error) {
	if hook := f.beforeUpsert; hook != nil {
		hook(playID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	p, ok := f.plays[playID]
	if !ok {
		p = models.Play{ID: playID}
	}
	if ready, ok := p.Clip().(models.Ready); ok {
		return ready.URL, nil
	}
	f.plays[playID] = p.WithClip(url, generatedAt)
	return url, nil
}

func (f *fakeRepo) GetPlay(ctx context.Context, id string) (models.Play, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getPlayErr != nil {
		return models.Play{}, f.getPlayErr
	}
	p, ok := f.plays[id]
	if !ok {
		return models.Play{}, fmt.Errorf("play %s: %w", id, errNotFound)
	}
	return p, nil
}

func (f *fakeRepo) CreateSession(ctx context.Context, s *models.ListeningSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createSessErr != nil {
		return f.createSessErr
	}
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeRepo) GetSession(ctx context.Context, id string) (*models.ListeningSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errNotFound)
	}
	return &s, nil
}

func (f *fakeRepo) UpsertSession(ctx context.Context, s *models.ListeningSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[s.ID]
	if !ok {
		f.sessions[s.ID] = *s
		return nil
	}
	if s.LastPlayedSequence > stored.LastPlayedSequence {
		stored.LastPlayedSequence = s.LastPlayedSequence
	}
	if stored.EndedAt == nil && s.EndedAt != nil {
		at := *s.EndedAt
		stored.EndedAt = &at
	}
	f.sessions[s.ID] = stored
	return nil
}

func (f *fakeRepo) LatestClosedSession(ctx context.Context, collectionID, listenerID string) (*models.ListeningSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.ListeningSession
	for _, s := range f.sessions {
		if s.CollectionID != collectionID || s.ListenerID != listenerID || s.EndedAt == nil {
			continue
		}
		if latest == nil || s.EndedAt.After(*latest.EndedAt) {
			cp := s
			latest = &cp
		}
	}
	return latest, nil
}

func (f *fakeRepo) session(id string) models.ListeningSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

type fakeCache struct {
	mu    sync.Mutex
	clips map[string]models.Ready
}

func newFakeCache() *fakeCache {
	return &fakeCache{clips: make(map[string]models.Ready)}
}

func (f *fakeCache) GetClip(ctx context.Context, playID string) (models.Ready, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clips[playID]
	return c, ok
}

func (f *fakeCache) SetClip(ctx context.Context, playID string, clip models.Ready) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips[playID] = clip
}

// fakeDevice records loads and tracks how many handles are live at once.
// With autoFinish > 0 every clip ends by itself after that long.
type fakeDevice struct {
	mu         sync.Mutex
	openErr    error
	loadErr    map[string]error
	loads      []string
	handles    []*fakeHandle
	active     int
	maxActive  int
	autoFinish time.Duration
}

func newFakeDevice(autoFinish time.Duration) *fakeDevice {
	return &fakeDevice{loadErr: make(map[string]error), autoFinish: autoFinish}
}

func (d *fakeDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openErr
}

func (d *fakeDevice) Load(ctx context.Context, url string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadErr[url]; err != nil {
		return nil, err
	}
	d.loads = append(d.loads, url)
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	h := &fakeHandle{device: d, url: url, done: make(chan error, 1)}
	d.handles = append(d.handles, h)
	if d.autoFinish > 0 {
		go func() {
			time.Sleep(d.autoFinish)
			h.finish(nil)
		}()
	}
	return h, nil
}

func (d *fakeDevice) setLoadErr(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadErr[url] = err
}

func (d *fakeDevice) loaded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loads...)
}

func (d *fakeDevice) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

func (d *fakeDevice) peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

func (d *fakeDevice) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

type fakeHandle struct {
	device   *fakeDevice
	url      string
	done     chan error
	released atomic.Bool
	paused   atomic.Bool
}

func (h *fakeHandle) Done() <-chan error { return h.done }

func (h *fakeHandle) finish(err error) {
	select {
	case h.done <- err:
	default:
	}
}

func (h *fakeHandle) Pause() error {
	h.paused.Store(true)
	return nil
}

func (h *fakeHandle) Resume() error {
	h.paused.Store(false)
	return nil
}

func (h *fakeHandle) Release() error {
	if h.released.CompareAndSwap(false, true) {
		h.device.mu.Lock()
		h.device.active--
		h.device.mu.Unlock()
	}
	return nil
}

// fakeSource is an in-memory EventSource.
type fakeSource struct {
	mu           sync.Mutex
	plays        []models.Play
	subs         map[int]fakeSub
	nextSub      int
	fetches      []int64
	fetchErr     error
	subscribeErr error
	// fetchGate, when set, blocks FetchBacklog until closed.
	fetchGate chan struct{}
}

type fakeSub struct {
	collection  string
	onInsert    func(models.Play)
	onReconnect func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[int]fakeSub)}
}

func (f *fakeSource) FetchBacklog(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, afterSeq)
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []models.Play
	for _, p := range f.plays {
		if p.CollectionID == collectionID && p.SequenceNumber > afterSeq {
			out = append(out, p)
		}
	}
	// Storage order is not sequence order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

type fakeSubscription struct {
	source *fakeSource
	id     int
}

func (s *fakeSubscription) Close() error {
	s.source.mu.Lock()
	defer s.source.mu.Unlock()
	delete(s.source.subs, s.id)
	return nil
}

func (f *fakeSource) Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fakeSub{collection: collectionID, onInsert: onInsert, onReconnect: onReconnect}
	return &fakeSubscription{source: f, id: id}, nil
}

// store adds plays without notifying.
func (f *fakeSource) store(plays ...models.Play) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, plays...)
}

// insert stores a play and notifies subscribers.
func (f *fakeSource) insert(p models.Play) {
	f.store(p)
	f.notify(p)
}

func (f *fakeSource) notify(p models.Play) {
	f.mu.Lock()
	var targets []func(models.Play)
	for _, s := range f.subs {
		if s.collection == p.CollectionID {
			targets = append(targets, s.onInsert)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn(p)
	}
}

func (f *fakeSource) reconnect() {
	f.mu.Lock()
	var targets []func()
	for _, s := range f.subs {
		if s.onReconnect != nil {
			targets = append(targets, s.onReconnect)
		}
	}
	f.mu.Unlock()
	for _, fn := range targets {
		fn()
	}
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func play(collection string, seq int64) models.Play {
	return models.Play{
		ID:             fmt.Sprintf("%s-%03d", collection, seq),
		CollectionID:   collection,
		SequenceNumber: seq,
		Description:    fmt.Sprintf("%s play %d", collection, seq),
	}
}

func clipURL(p models.Play) string {
	return "mem://" + ClipKey(p.ID)
}
