// Package replay serves change streams recorded as newline-delimited JSON objects, one object
// set per claim type. Objects are named <claimType>[-<minSeq>-<maxSeq>].ndjson[.gz], optionally
// nested in directories.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/source"
)

var objectNamePattern = regexp.MustCompile(`^([a-z]+)(?:-(\d+)-(\d+))?\.ndjson(\.gz)?$`)

type object struct {
	key        string
	claimType  claim.Type
	ranged     bool
	minSeq     uint64
	maxSeq     uint64
	compressed bool
}

func parseObject(key string) (object, bool) {
	m := objectNamePattern.FindStringSubmatch(path.Base(key))
	if m == nil {
		return object{}, false
	}
	ct, err := claim.ParseType(m[1])
	if err != nil {
		return object{}, false
	}
	o := object{key: key, claimType: ct, compressed: m[4] != ""}
	if m[2] != "" {
		lo, err1 := strconv.ParseUint(m[2], 10, 64)
		hi, err2 := strconv.ParseUint(m[3], 10, 64)
		if err1 != nil || err2 != nil || hi < lo {
			return object{}, false
		}
		o.ranged, o.minSeq, o.maxSeq = true, lo, hi
	}
	return o, true
}

type Source struct {
	store   ObjectStore
	version string
	log     logging.Logger
}

func NewSource(store ObjectStore, version string) *Source {
	return &Source{store: store, version: version, log: logging.Default().WithField("source", "replay")}
}

func (s *Source) Version(context.Context) (string, error) {
	return s.version, nil
}

// Open streams every object of claimType in key order. Ranged objects ending before since are
// not read at all.
func (s *Source) Open(ctx context.Context, claimType claim.Type, since uint64) (source.Stream, error) {
	keys, err := s.store.List(ctx)
	if err != nil {
		return nil, &source.Error{Op: "list", Err: err}
	}
	var objects []object
	for _, key := range keys {
		o, ok := parseObject(key)
		if !ok || o.claimType != claimType {
			continue
		}
		if o.ranged && o.maxSeq < since {
			continue
		}
		objects = append(objects, o)
	}
	sort.SliceStable(objects, func(i, j int) bool {
		if objects[i].ranged && objects[j].ranged && objects[i].minSeq != objects[j].minSeq {
			return objects[i].minSeq < objects[j].minSeq
		}
		return objects[i].key < objects[j].key
	})
	s.log.WithContext(ctx).WithFields(logging.Fields{
		logging.ClaimTypeFieldKey:      claimType,
		logging.SequenceNumberFieldKey: since,
		"objects":                      len(objects),
	}).Debug("opening replay stream")
	return source.NewStream(&fetcher{store: s.store, objects: objects}, since), nil
}

func (s *Source) Close() error { return nil }

type fetcher struct {
	store   ObjectStore
	objects []object
	current *objectReader
}

type objectReader struct {
	key     string
	body    io.ReadCloser
	gz      *gzip.Reader
	decoder *claim.EventReader
}

func (r *objectReader) Close() error {
	var err error
	if r.gz != nil {
		err = r.gz.Close()
	}
	return errors.Join(err, r.body.Close())
}

func (f *fetcher) openNext(ctx context.Context) error {
	o := f.objects[0]
	f.objects = f.objects[1:]
	body, err := f.store.Get(ctx, o.key)
	if err != nil {
		return &source.Error{Op: "open " + o.key, Err: err}
	}
	r := &objectReader{key: o.key, body: body}
	var in io.Reader = body
	if o.compressed {
		r.gz, err = gzip.NewReader(body)
		if err != nil {
			_ = body.Close()
			return &source.Error{Op: "open " + o.key, Err: err}
		}
		in = r.gz
	}
	r.decoder = claim.NewEventReader(in)
	f.current = r
	return nil
}

func (f *fetcher) Fetch(ctx context.Context) (*claim.ChangeEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.current == nil {
			if len(f.objects) == 0 {
				return nil, source.ErrEndOfStream
			}
			if err := f.openNext(ctx); err != nil {
				return nil, err
			}
		}
		ev, err := f.current.decoder.Next()
		if err == nil {
			return ev, nil
		}
		key := f.current.key
		closeErr := f.current.Close()
		f.current = nil
		if !errors.Is(err, io.EOF) {
			return nil, &source.Error{Op: "read " + key, Err: err}
		}
		if closeErr != nil {
			return nil, &source.Error{Op: "close " + key, Err: closeErr}
		}
	}
}

func (f *fetcher) Close() error {
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	f.objects = nil
	if err != nil {
		return fmt.Errorf("close replay object: %w", err)
	}
	return nil
}

// ObjectName returns the conventional name for an object holding events of claimType.
func ObjectName(claimType claim.Type, minSeq, maxSeq uint64, compressed bool) string {
	var b strings.Builder
	b.WriteString(claimType.String())
	if maxSeq > 0 {
		fmt.Fprintf(&b, "-%d-%d", minSeq, maxSeq)
	}
	b.WriteString(".ndjson")
	if compressed {
		b.WriteString(".gz")
	}
	return b.String()
}
