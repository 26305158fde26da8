package policy

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"time"
)

// decisionCache is a size-bounded LRU of engine decisions whose entries
// expire after ttl.
type decisionCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type cacheItem struct {
	key       string
	value     Decision
	expiresAt time.Time
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		max:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element, min(capacity, 1024)),
		now:     time.Now,
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	item := elem.Value.(cacheItem)
	if !c.now().Before(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return cloneDecision(item.value), true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := cacheItem{key: key, value: cloneDecision(value), expiresAt: c.now().Add(c.ttl)}
	if elem, ok := c.entries[key]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(item)
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, min(c.max, 1024))
}

// cloneDecision copies the result slices so cached entries never share
// backing arrays with decisions handed to callers.
func cloneDecision(d Decision) Decision {
	if d.SetResults == nil {
		return d
	}
	results := make([]SetResult, len(d.SetResults))
	for i, r := range d.SetResults {
		if r.MatchedRules != nil {
			matched := make([]RuleResult, len(r.MatchedRules))
			for j, rr := range r.MatchedRules {
				rr.Conditions = slices.Clone(rr.Conditions)
				matched[j] = rr
			}
			r.MatchedRules = matched
		}
		results[i] = r
	}
	d.SetResults = results
	return d
}

// contextCacheKey hashes the parts of ctx that influence a decision. The
// timestamp only participates when a registered rule reads it. Every value is
// written with a type tag and a length prefix so two contexts share a key only
// when their inputs are byte-for-byte identical.
func contextCacheKey(ctx Context, withTimestamp bool) (string, bool) {
	w := keyWriter{buf: make([]byte, 0, 256)}

	w.str(ctx.RequesterID)
	w.str(ctx.Resource)
	w.str(ctx.Operation)
	w.tag('l', len(ctx.Tags))
	for _, tag := range ctx.Tags {
		w.str(tag)
	}
	if withTimestamp {
		w.buf = append(w.buf, 'T')
		w.buf = strconv.AppendInt(w.buf, ctx.Timestamp.Unix(), 10)
		w.buf = append(w.buf, ';')
	}
	if !w.value(ctx.Fields) {
		// Values without a lossless encoding are evaluated uncached.
		return "", false
	}

	sum := sha256.Sum256(w.buf)
	return hex.EncodeToString(sum[:]), true
}

type keyWriter struct {
	buf []byte
}

func (w *keyWriter) tag(kind byte, n int) {
	w.buf = append(w.buf, kind)
	w.buf = strconv.AppendInt(w.buf, int64(n), 10)
	w.buf = append(w.buf, ':')
}

func (w *keyWriter) str(s string) {
	w.tag('s', len(s))
	w.buf = append(w.buf, s...)
}

func (w *keyWriter) value(v any) bool {
	switch x := v.(type) {
	case nil:
		w.buf = append(w.buf, 'n')
		return true
	case string:
		w.str(x)
		return true
	case []byte:
		w.tag('b', len(x))
		w.buf = append(w.buf, x...)
		return true
	case bool:
		if x {
			w.buf = append(w.buf, 'B', '1')
		} else {
			w.buf = append(w.buf, 'B', '0')
		}
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		w.str(rv.String())
	case reflect.Bool:
		return w.value(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.buf = append(w.buf, 'i')
		w.buf = strconv.AppendInt(w.buf, rv.Int(), 10)
		w.buf = append(w.buf, ';')
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.buf = append(w.buf, 'u')
		w.buf = strconv.AppendUint(w.buf, rv.Uint(), 10)
		w.buf = append(w.buf, ';')
	case reflect.Float32, reflect.Float64:
		w.buf = append(w.buf, 'd')
		w.buf = strconv.AppendUint(w.buf, math.Float64bits(rv.Float()), 16)
		w.buf = append(w.buf, ';')
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return w.value(rv.Bytes())
		}
		w.tag('l', rv.Len())
		for i := range rv.Len() {
			if !w.value(rv.Index(i).Interface()) {
				return false
			}
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return false
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		slices.Sort(keys)
		w.tag('m', len(keys))
		for _, k := range keys {
			w.str(k)
			if !w.value(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()) {
				return false
			}
		}
	default:
		return false
	}
	return true
}
