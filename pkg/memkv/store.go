package memkv

import (
    "container/heap"
    "sort"
    "strings"
    "sync"
    "sync/atomic"
    "time"
)

// Options tunes a Store.
type Options struct {
    Shards   int    // number of shards (default 64)
    MaxBytes uint64 // hard limit on the total size of values (0 = none)
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 {
        o.Shards = 64
    }
    return o
}

// Store is a sharded map of string keys to byte values.
type Store struct {
    opts    Options
    shards  []shard
    expq    expQueue
    wake    chan struct{}
    closeCh chan struct{}
    once    sync.Once
    wg      sync.WaitGroup

    nowFn func() time.Time

    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mGets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
    mRejects atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:    opts,
        shards:  make([]shard, opts.Shards),
        wake:    make(chan struct{}, 1),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry)
    }
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the expiry goroutine. The store stays readable.
func (s *Store) Close() {
    s.once.Do(func() { close(s.closeCh) })
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    // FNV-1a
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[int(h%uint64(len(s.shards)))]
}

// reserve accounts for delta more bytes, failing when it would pass MaxBytes.
func (s *Store) reserve(delta uint64) bool {
    if s.opts.MaxBytes == 0 {
        s.mBytes.Add(delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        if cur+delta > s.opts.MaxBytes {
            return false
        }
        if s.mBytes.CompareAndSwap(cur, cur+delta) {
            return true
        }
    }
}

func (s *Store) release(n int) {
    if n > 0 {
        s.mBytes.Add(^uint64(n - 1))
    }
}

// removeLocked drops key from a locked shard and fixes the metrics.
func (s *Store) removeLocked(sh *shard, key string, e *entry, expired bool) {
    delete(sh.m, key)
    s.mKeys.Add(^uint64(0))
    s.release(len(e.val))
    if expired {
        s.mExpired.Add(1)
    } else {
        s.mDels.Add(1)
    }
}

// Set stores a copy of val. ttl <= 0 means no expiry. It returns false when
// the value does not fit under MaxBytes; the previous value is kept then.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    var expAt int64
    if ttl > 0 {
        expAt = s.nowFn().Add(ttl).UnixNano()
    }
    v := append([]byte(nil), val...)

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    oldLen := 0
    if existed {
        oldLen = len(prev.val)
    }
    if delta := len(v) - oldLen; delta > 0 {
        if !s.reserve(uint64(delta)) {
            sh.mu.Unlock()
            s.mRejects.Add(1)
            return false
        }
    } else {
        s.release(-delta)
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    if !existed {
        s.mKeys.Add(1)
    }
    sh.mu.Unlock()
    s.mSets.Add(1)

    if expAt != 0 {
        s.enqueueExpire(key, expAt)
    }
    return true
}

// Get returns a copy of the value.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    s.mGets.Add(1)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if ok && !e.expired(s.nowFn().UnixNano()) {
        out := append([]byte(nil), e.val...)
        sh.mu.RUnlock()
        s.mHits.Add(1)
        return out, true
    }
    sh.mu.RUnlock()
    s.mMisses.Add(1)
    if ok {
        s.expireKey(key)
    }
    return nil, false
}

// Len returns the size of a value without copying it.
func (s *Store) Len(key string) (int, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    defer sh.mu.RUnlock()
    e, ok := sh.m[key]
    if !ok || e.expired(s.nowFn().UnixNano()) {
        return 0, false
    }
    return len(e.val), true
}

// ReadAt copies the value starting at off into buf. It returns the number of
// bytes copied and the full value size.
func (s *Store) ReadAt(key string, buf []byte, off int64) (n int, size int64, ok bool) {
    sh := s.shardFor(key)
    s.mGets.Add(1)
    sh.mu.RLock()
    e, found := sh.m[key]
    if !found || e.expired(s.nowFn().UnixNano()) {
        sh.mu.RUnlock()
        s.mMisses.Add(1)
        return 0, 0, false
    }
    size = int64(len(e.val))
    if off >= 0 && off < size {
        n = copy(buf, e.val[off:])
    }
    sh.mu.RUnlock()
    s.mHits.Add(1)
    return n, size, true
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok {
        return false
    }
    s.removeLocked(sh, key, e, false)
    return true
}

// TTL returns the remaining lifetime; 0 with ok=true means no expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok {
        exp = e.expireAt
    }
    sh.mu.RUnlock()
    if !ok {
        return 0, false
    }
    if exp == 0 {
        return 0, true
    }
    now := s.nowFn().UnixNano()
    if exp <= now {
        s.expireKey(key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Keys returns the live keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
    now := s.nowFn().UnixNano()
    var out []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        for k, e := range sh.m {
            if strings.HasPrefix(k, prefix) && !e.expired(now) {
                out = append(out, k)
            }
        }
        sh.mu.RUnlock()
    }
    sort.Strings(out)
    return out
}

func (s *Store) expireKey(key string) {
    sh := s.shardFor(key)
    sh.mu.Lock()
    if e, ok := sh.m[key]; ok && e.expired(s.nowFn().UnixNano()) {
        s.removeLocked(sh, key, e, true)
    }
    sh.mu.Unlock()
}

// Stats is a snapshot of the store counters.
type Stats struct {
    Keys    uint64
    Bytes   uint64
    Sets    uint64
    Gets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
    Rejects uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Gets:    s.mGets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
        Rejects: s.mRejects.Load(),
    }
}

// expiry queue

type expItem struct {
    when int64
    key  string
}

type expQueue struct {
    mu    sync.Mutex
    items []expItem
}

func (q *expQueue) Len() int           { return len(q.items) }
func (q *expQueue) Less(i, j int) bool { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *expQueue) Push(x any)         { q.items = append(q.items, x.(expItem)) }
func (q *expQueue) Pop() any {
    n := len(q.items)
    it := q.items[n-1]
    q.items = q.items[:n-1]
    return it
}

func (s *Store) enqueueExpire(key string, when int64) {
    s.expq.mu.Lock()
    heap.Push(&s.expq, expItem{when: when, key: key})
    s.expq.mu.Unlock()
    select {
    case s.wake <- struct{}{}:
    default:
    }
}

func (s *Store) expirer() {
    defer s.wg.Done()
    timer := time.NewTimer(time.Hour)
    defer timer.Stop()
    for {
        s.expq.mu.Lock()
        var wait time.Duration = -1
        now := s.nowFn().UnixNano()
        var due []string
        for s.expq.Len() > 0 {
            it := s.expq.items[0]
            if it.when > now {
                wait = time.Duration(it.when - now)
                break
            }
            heap.Pop(&s.expq)
            due = append(due, it.key)
        }
        s.expq.mu.Unlock()

        // stale queue items are harmless: expireKey rechecks the entry
        for _, k := range due {
            s.expireKey(k)
        }

        if !timer.Stop() {
            select {
            case <-timer.C:
            default:
            }
        }
        var tc <-chan time.Time
        if wait >= 0 {
            timer.Reset(wait)
            tc = timer.C
        }
        select {
        case <-s.closeCh:
            return
        case <-s.wake:
        case <-tc:
        }
    }
}
