// Package softraid implements software RAID volumes over a set of block
// devices: a mirror discipline and a single chunk crypto discipline sharing
// one work unit scheduler, with checksummed metadata kept on every chunk.
package softraid

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/seaweedfs/softraid/sr/stats"
	"github.com/seaweedfs/softraid/sr/storage/backend"
	"github.com/seaweedfs/softraid/sr/storage/softraid/crypto"
)

// CreateOptions configures a new volume.
type CreateOptions struct {
	Level Level
	Name  string
	// Passphrase masks the key set of a crypto volume.
	Passphrase []byte
}

// AssembleOptions configures bringing up an existing volume.
type AssembleOptions struct {
	Passphrase []byte
	// Force assembles even when chunks listed in service are missing or hold
	// no consistent metadata; they are taken offline.
	Force bool
}

type chunk struct {
	id          int
	dev         backend.BlockDevice
	state       ChunkState
	size        uint64
	coercedSize uint64
	devName     string
	meta        *Metadata // last copy written to or read from this chunk
}

// Volume is an assembled RAID volume.
type Volume struct {
	name  string
	uuid  uuid.UUID
	level Level
	size  uint64 // logical blocks
	cfg   VolumeConfig

	mu           sync.Mutex
	state        VolumeState
	chunks       []*chunk
	md           *Metadata
	flags        uint32
	pool         *pool
	pending      []wuHandle // admitted and unfinished, in program order
	seq          uint64
	disc         discipline
	halted       error
	stopped      bool
	closed       bool
	drainWaiters []chan struct{}
	saveCh       chan struct{}

	saveMu    sync.Mutex
	saverDone chan struct{}
}

func shortDevName(name string) string {
	if len(name) > DevNameLen {
		return name[len(name)-DevNameLen:]
	}
	return name
}

// Create builds a volume over devs and writes its first metadata generation.
// Chunks are sized to the smallest device.
func Create(devs []backend.BlockDevice, opts CreateOptions, cfg VolumeConfig) (*Volume, error) {
	if len(devs) == 0 || len(devs) > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks, want 1 to %d", ErrIllegalRequest, len(devs), MaxChunks)
	}
	switch opts.Level {
	case LevelMirror:
	case LevelCrypto:
		if len(devs) != 1 {
			return nil, fmt.Errorf("%w: crypto volume takes one chunk, got %d", ErrIllegalRequest, len(devs))
		}
		if len(opts.Passphrase) == 0 {
			return nil, fmt.Errorf("%w: crypto volume needs a passphrase", ErrIllegalRequest)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported level %s", ErrIllegalRequest, opts.Level)
	}
	name := opts.Name
	if name == "" {
		name = "softraid0"
	}
	if len(name) > NameLen {
		return nil, fmt.Errorf("%w: name %q longer than %d bytes", ErrIllegalRequest, name, NameLen)
	}
	cfg.applyDefaults(len(devs))
	if err := cfg.Validate(len(devs)); err != nil {
		return nil, err
	}

	coerced := devs[0].Size()
	for _, d := range devs[1:] {
		coerced = min(coerced, d.Size())
	}
	if coerced <= DataOffset {
		return nil, fmt.Errorf("%w: smallest chunk holds %d blocks, need more than %d", ErrIllegalRequest, coerced, DataOffset)
	}
	coerced -= DataOffset
	if opts.Level == LevelCrypto && coerced > MaxCryptoBlocks {
		return nil, fmt.Errorf("%w: crypto volume of %d blocks exceeds %d", ErrIllegalRequest, coerced, uint64(MaxCryptoBlocks))
	}

	id := uuid.New()
	md := &Metadata{
		Volume: VolumeMeta{
			Status:  VolumeBuilding,
			Level:   opts.Level,
			Size:    coerced,
			ChunkNo: uint32(len(devs)),
			UUID:    id,
			Name:    name,
		},
	}
	for i, d := range devs {
		md.Chunks = append(md.Chunks, ChunkMeta{
			ID:          uint32(i),
			Status:      ChunkOnline,
			Size:        d.Size(),
			CoercedSize: coerced,
			UUID:        id,
			DevName:     shortDevName(d.Name()),
		})
	}

	var keys *crypto.KeySet
	if opts.Level == LevelCrypto {
		var err error
		if keys, err = crypto.NewKeySet(); err != nil {
			return nil, err
		}
		mk, err := crypto.MaskKeys(keys, opts.Passphrase, cfg.KDFRounds, id[:])
		if err != nil {
			return nil, err
		}
		md.Opts = []OptMeta{{Type: OptCrypto, Payload: mk.Marshal()}}
	}

	v, err := newVolume(md, devs, cfg, keys)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.flags = MetaFlagDirty
	err = v.recomputeLocked()
	v.mu.Unlock()
	v.publishStates()
	if err == nil {
		err = v.SaveMetadata()
	}
	if err != nil {
		v.disc.close()
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	v.startSaver()

	glog.V(0).Infof("%s: created %s volume %s, %d chunks, %s", name, opts.Level, id, len(devs), humanize.IBytes(coerced*BlockSize))
	return v, nil
}

// Assemble reads the metadata of devs and brings the volume up. The devices
// may be given in any order. Every chunk the metadata lists in service must
// present a consistent copy unless opts.Force is set.
func Assemble(devs []backend.BlockDevice, cfg VolumeConfig, opts AssembleOptions) (*Volume, error) {
	res, err := ReadMetadata(devs)
	if err != nil {
		return nil, err
	}
	md := res.Meta.Clone()
	n := len(md.Chunks)
	name := md.Volume.Name

	if !res.Quorate() && !opts.Force {
		err := fmt.Errorf("%w: %s: %d of %d chunks hold consistent metadata", ErrQuorum, name, res.Valid, md.Quorum())
		if excluded := errors.Join(res.Errs...); excluded != nil {
			err = fmt.Errorf("%w: %w", err, excluded)
		}
		return nil, err
	}

	byChunk := make([]backend.BlockDevice, n)
	for d, ci := range res.Chunks {
		if ci >= 0 {
			byChunk[ci] = devs[d]
		}
	}
	for i := range md.Chunks {
		if byChunk[i] == nil && md.Chunks[i].Status != ChunkOffline {
			glog.Warningf("%s: chunk %d (%s) missing, marking offline", name, i, md.Chunks[i].DevName)
			md.Chunks[i].Status = ChunkOffline
		}
	}
	if md.Header.Flags&MetaFlagDirty != 0 {
		glog.Warningf("%s: volume was not shut down cleanly", name)
	}

	cfg.applyDefaults(n)
	if err := cfg.Validate(n); err != nil {
		return nil, err
	}

	var keys *crypto.KeySet
	if md.Volume.Level == LevelCrypto {
		opt, ok := md.Opt(OptCrypto)
		if !ok {
			return nil, fmt.Errorf("%w: %s: crypto volume without key record", ErrMetadataInvalid, name)
		}
		mk, err := crypto.UnmarshalMaskedKeys(opt.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMetadataInvalid, name, err)
		}
		if keys, err = mk.Unmask(opts.Passphrase, md.Volume.UUID[:]); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	v, err := newVolume(md, byChunk, cfg, keys)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	for _, ci := range res.Chunks {
		if ci >= 0 {
			v.chunks[ci].meta = res.Meta
		}
	}
	state, _ := DeriveVolumeState(v.chunkStatesLocked())
	v.state = state
	v.flags = md.Header.Flags | MetaFlagDirty
	v.mu.Unlock()
	v.publishStates()

	if state == VolumeOffline {
		v.disc.close()
		return nil, fmt.Errorf("%w: %s: no chunk in service", ErrVolumeOffline, name)
	}
	if err := v.SaveMetadata(); err != nil {
		v.disc.close()
		return nil, fmt.Errorf("assemble %s: %w", name, err)
	}
	v.startSaver()

	glog.V(0).Infof("%s: assembled %s volume %s at generation %d, %s, %d/%d chunks", name, v.level, v.uuid, v.Generation(), state, res.Valid, n)
	return v, nil
}

func newVolume(md *Metadata, devs []backend.BlockDevice, cfg VolumeConfig, keys *crypto.KeySet) (*Volume, error) {
	v := &Volume{
		name:  md.Volume.Name,
		uuid:  md.Volume.UUID,
		level: md.Volume.Level,
		size:  md.Volume.Size,
		cfg:   cfg,
		state: md.Volume.Status,
		md:    md,
		pool:  newPool(cfg.MaxWU, cfg.MaxCCBPerWU),
	}
	for i, cm := range md.Chunks {
		v.chunks = append(v.chunks, &chunk{
			id:          i,
			dev:         devs[i],
			state:       cm.Status,
			size:        cm.Size,
			coercedSize: cm.CoercedSize,
			devName:     cm.DevName,
		})
	}
	switch v.level {
	case LevelMirror:
		v.disc = &raid1{}
	case LevelCrypto:
		if len(v.chunks) != 1 || keys == nil {
			return nil, fmt.Errorf("%w: crypto volume with %d chunks", ErrMetadataInvalid, len(v.chunks))
		}
		d, err := newRAIDC(keys, cfg.TransformWorkers)
		if err != nil {
			return nil, err
		}
		v.disc = d
	default:
		return nil, fmt.Errorf("%w: level %s", ErrMetadataInvalid, v.level)
	}
	return v, nil
}

func (v *Volume) startSaver() {
	v.mu.Lock()
	v.saveCh = make(chan struct{}, 1)
	v.saverDone = make(chan struct{})
	ch := v.saveCh
	v.mu.Unlock()
	go v.saver(ch)
}

// saver persists metadata after chunk state changes. Requests raised while
// a save runs coalesce into one more save.
func (v *Volume) saver(ch <-chan struct{}) {
	defer close(v.saverDone)
	for range ch {
		if err := v.SaveMetadata(); err != nil {
			glog.Errorf("%s: save metadata: %v", v.name, err)
		}
	}
}

func (v *Volume) scheduleSaveLocked() {
	if v.saveCh == nil {
		return
	}
	select {
	case v.saveCh <- struct{}{}:
	default:
	}
}

// SaveMetadata writes the current volume and chunk states as a new
// generation to every chunk in service, then drains in-flight I/O. Chunks
// whose write fails are taken offline.
func (v *Volume) SaveMetadata() error {
	v.saveMu.Lock()
	defer v.saveMu.Unlock()
	start := time.Now()

	v.mu.Lock()
	md := v.md.Clone()
	md.Volume.Status = v.state
	var targets []MetaTarget
	for i, c := range v.chunks {
		md.Chunks[i].Status = c.state
		if c.dev != nil && c.state != ChunkOffline {
			targets = append(targets, MetaTarget{ChunkID: i, Dev: c.dev})
		}
	}
	flags := v.flags
	v.mu.Unlock()

	failed, err := WriteMetadata(md, flags, targets)

	v.mu.Lock()
	if err == nil {
		v.md = md
		for _, t := range targets {
			if !slices.Contains(failed, t.ChunkID) {
				v.chunks[t.ChunkID].meta = md
			}
		}
	}
	for _, ci := range failed {
		v.setChunkStateLocked(ci, ChunkOffline)
	}
	v.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	stats.MetadataSaveCounter.WithLabelValues(v.name, result).Inc()
	if err != nil {
		return err
	}
	glog.V(1).Infof("%s: metadata generation %d written to %d chunks", v.name, md.Header.Ondisk, len(targets)-len(failed))

	err = v.drain(v.cfg.SyncTimeout)
	stats.MetadataSaveHistogram.WithLabelValues(v.name).Observe(time.Since(start).Seconds())
	return err
}

func (v *Volume) chunkStatesLocked() []ChunkState {
	states := make([]ChunkState, len(v.chunks))
	for i, c := range v.chunks {
		states[i] = c.state
	}
	return states
}

// SetChunkState moves chunk id to state, as the control plane does when
// starting a scrub or a rebuild.
func (v *Volume) SetChunkState(id int, state ChunkState) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVolumeClosed
	}
	if id < 0 || id >= len(v.chunks) {
		return fmt.Errorf("%w: chunk %d of %d", ErrIllegalRequest, id, len(v.chunks))
	}
	if !state.valid() {
		return fmt.Errorf("%w: chunk state %d", ErrIllegalRequest, state)
	}
	if state != ChunkOffline && v.chunks[id].dev == nil {
		return fmt.Errorf("%w: chunk %d has no device", ErrIllegalRequest, id)
	}
	return v.setChunkStateLocked(id, state)
}

func (v *Volume) setChunkStateLocked(id int, to ChunkState) error {
	c := v.chunks[id]
	from := c.state
	if from == to {
		return nil
	}
	if !chunkTransitionAllowed(from, to) {
		return v.violation("chunk "+strconv.Itoa(id), from.String(), to.String())
	}
	c.state = to
	if to == ChunkOffline {
		glog.Warningf("%s: chunk %d (%s) %s -> %s", v.name, id, c.devName, from, to)
	} else {
		glog.V(0).Infof("%s: chunk %d (%s) %s -> %s", v.name, id, c.devName, from, to)
	}
	stats.ChunkStateGauge.WithLabelValues(v.name, strconv.Itoa(id)).Set(float64(to))
	v.scheduleSaveLocked()
	return v.recomputeLocked()
}

func (v *Volume) recomputeLocked() error {
	next, ok := DeriveVolumeState(v.chunkStatesLocked())
	if !ok {
		return v.violation("volume", v.state.String(), "underivable")
	}
	if next == v.state {
		return nil
	}
	if !volumeTransitionAllowed(v.state, next) {
		return v.violation("volume", v.state.String(), next.String())
	}
	glog.V(0).Infof("%s: volume %s -> %s", v.name, v.state, next)
	v.state = next
	stats.VolumeStateGauge.WithLabelValues(v.name).Set(float64(next))
	return nil
}

func (v *Volume) violation(object, from, to string) error {
	err := &InvariantViolation{Volume: v.name, Object: object, From: from, To: to}
	if v.cfg.InvariantPolicy == PolicyAbort {
		panic(err)
	}
	glog.Errorf("%v, halting volume", err)
	if v.halted == nil {
		v.halted = err
	}
	return err
}

func (v *Volume) publishStates() {
	v.mu.Lock()
	defer v.mu.Unlock()
	stats.VolumeStateGauge.WithLabelValues(v.name).Set(float64(v.state))
	for _, c := range v.chunks {
		stats.ChunkStateGauge.WithLabelValues(v.name, strconv.Itoa(c.id)).Set(float64(c.state))
	}
}

// Close stops admitting commands, drains in-flight I/O, stops the metadata
// saver and writes a final generation with the dirty flag cleared.
func (v *Volume) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	saveCh := v.saveCh
	v.saveCh = nil
	v.mu.Unlock()

	drainErr := v.drain(v.cfg.SyncTimeout)
	if saveCh != nil {
		close(saveCh)
		<-v.saverDone
	}

	v.mu.Lock()
	if drainErr == nil && v.halted == nil {
		v.flags &^= MetaFlagDirty
	}
	offline := v.state == VolumeOffline
	v.mu.Unlock()

	var saveErr error
	if !offline {
		saveErr = v.SaveMetadata()
	}
	v.disc.close()
	stats.DeleteVolumeMetrics(v.name)
	glog.V(0).Infof("%s: closed", v.name)
	return errors.Join(drainErr, saveErr)
}

func (v *Volume) Name() string    { return v.name }
func (v *Volume) UUID() uuid.UUID { return v.uuid }
func (v *Volume) Level() Level    { return v.level }

// Size returns the volume capacity in blocks.
func (v *Volume) Size() uint64 { return v.size }

func (v *Volume) State() VolumeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Volume) ChunkState(id int) ChunkState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chunks[id].state
}

// Generation returns the generation of the last metadata written.
func (v *Volume) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.md.Header.Ondisk
}

// Halted returns the invariant violation that stopped the volume, if any.
func (v *Volume) Halted() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.halted
}

// Info returns volume metadata for status reporting.
func (v *Volume) Info() VolumeInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	info := VolumeInfo{
		Name:       v.name,
		UUID:       v.uuid,
		Level:      v.level,
		State:      v.state,
		Size:       v.size,
		Generation: v.md.Header.Ondisk,
		Dirty:      v.flags&MetaFlagDirty != 0,
		Stopped:    v.stopped,
		Halted:     v.halted != nil,
		InFlight:   v.pool.pendingIO(),
		FreeWUs:    v.pool.freeWUs(),
	}
	for _, c := range v.chunks {
		ci := ChunkInfo{
			ID:          c.id,
			DevName:     c.devName,
			State:       c.state,
			Size:        c.size,
			CoercedSize: c.coercedSize,
		}
		if c.meta != nil {
			ci.Generation = c.meta.Header.Ondisk
		}
		info.Chunks = append(info.Chunks, ci)
	}
	return info
}

// VolumeInfo is a point in time view of a volume.
type VolumeInfo struct {
	Name       string
	UUID       uuid.UUID
	Level      Level
	State      VolumeState
	Size       uint64 // blocks
	Generation uint64
	Dirty      bool
	Stopped    bool
	Halted     bool
	InFlight   int
	FreeWUs    int
	Chunks     []ChunkInfo
}

type ChunkInfo struct {
	ID          int
	DevName     string
	State       ChunkState
	Size        uint64
	CoercedSize uint64
	Generation  uint64
}
