package pprof

import (
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/prometheus/model/labels"
)

var (
	gzipWriterPool = sync.Pool{
		New: func() any {
			res, err := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
			if err != nil {
				panic(err)
			}
			return res
		},
	}
)

type ProfileBuilders struct {
	Builders map[uint64]*ProfileBuilder
}

func NewProfileBuilders() *ProfileBuilders {
	return &ProfileBuilders{Builders: make(map[uint64]*ProfileBuilder)}
}

// BuilderForTarget 查找或创建一个标签组对应的画像构造器
func (b ProfileBuilders) BuilderForTarget(lbls labels.Labels) *ProfileBuilder {
	hash := lbls.Hash()
	res := b.Builders[hash]
	if res != nil {
		return res
	}
	builder := &ProfileBuilder{
		locations:          make(map[string]*profile.Location),
		functions:          make(map[string]*profile.Function),
		sampleHashToSample: make(map[uint64]*profile.Sample),
		Labels:             lbls,
		Profile: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "inuse_objects", Unit: "count"},
				{Type: "inuse_space", Unit: "bytes"},
			},
			PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
			Period:            1,
			DefaultSampleType: "inuse_space",
			Mapping: []*profile.Mapping{
				{
					ID: 1,
				},
			},
			TimeNanos: time.Now().UnixNano(),
		},
		tmpLocationIDs: make([]uint64, 0, 128),
		tmpLocations:   make([]*profile.Location, 0, 128),
	}
	res = builder
	b.Builders[hash] = res
	return res
}

type ProfileBuilder struct {
	locations          map[string]*profile.Location
	functions          map[string]*profile.Function
	sampleHashToSample map[uint64]*profile.Sample
	Profile            *profile.Profile
	Labels             labels.Labels

	tmpLocations   []*profile.Location
	tmpLocationIDs []uint64
}

// CreateSampleOrAddValue adds objects and bytes to the sample for stacktrace,
// which is ordered leaf first. Identical stacks are merged.
func (p *ProfileBuilder) CreateSampleOrAddValue(stacktrace []string, objects, bytes int64) {
	p.tmpLocations = p.tmpLocations[:0]
	p.tmpLocationIDs = p.tmpLocationIDs[:0]
	for _, s := range stacktrace {
		loc := p.addLocation(s)
		p.tmpLocations = append(p.tmpLocations, loc)
		p.tmpLocationIDs = append(p.tmpLocationIDs, loc.ID)
	}
	h := xxhash.Sum64(uint64Bytes(p.tmpLocationIDs))
	// 进行累加
	sample := p.sampleHashToSample[h]
	if sample != nil {
		sample.Value[0] += objects
		sample.Value[1] += bytes
		return
	}
	sample = &profile.Sample{
		Location: make([]*profile.Location, len(p.tmpLocations)),
		Value:    []int64{objects, bytes},
	}
	copy(sample.Location, p.tmpLocations)
	p.sampleHashToSample[h] = sample
	p.Profile.Sample = append(p.Profile.Sample, sample)
}

func (p *ProfileBuilder) addLocation(function string) *profile.Location {
	loc, ok := p.locations[function]
	if ok {
		return loc
	}

	id := uint64(len(p.Profile.Location) + 1)
	loc = &profile.Location{
		ID:      id,
		Mapping: p.Profile.Mapping[0],
		Line: []profile.Line{
			{
				Function: p.addFunction(function),
			},
		},
	}
	p.Profile.Location = append(p.Profile.Location, loc)
	p.locations[function] = loc
	return loc
}

func (p *ProfileBuilder) addFunction(function string) *profile.Function {
	f, ok := p.functions[function]
	if ok {
		return f
	}

	id := uint64(len(p.Profile.Function) + 1)
	f = &profile.Function{
		ID:   id,
		Name: function,
	}
	p.Profile.Function = append(p.Profile.Function, f)
	p.functions[function] = f
	return f
}

func (p *ProfileBuilder) Write(dst io.Writer) (int64, error) {
	gzipWriter := gzipWriterPool.Get().(*gzip.Writer)
	gzipWriter.Reset(dst)
	defer func() {
		gzipWriter.Reset(io.Discard)
		gzipWriterPool.Put(gzipWriter)
	}()
	err := p.Profile.WriteUncompressed(gzipWriter)
	if err != nil {
		return 0, fmt.Errorf("leak profile encode %w", err)
	}
	err = gzipWriter.Close()
	if err != nil {
		return 0, fmt.Errorf("leak profile encode %w", err)
	}
	return 0, nil
}

func uint64Bytes(s []uint64) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*8)
}
