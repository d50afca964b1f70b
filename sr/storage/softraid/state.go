package softraid

import "fmt"

// ChunkState values match the bio(4) chunk status codes stored on disk.
type ChunkState uint32

const (
	ChunkOnline   ChunkState = 0x00
	ChunkOffline  ChunkState = 0x01
	ChunkRebuild  ChunkState = 0x03
	ChunkHotSpare ChunkState = 0x04
	ChunkScrub    ChunkState = 0x06
)

func (s ChunkState) String() string {
	switch s {
	case ChunkOnline:
		return "online"
	case ChunkOffline:
		return "offline"
	case ChunkRebuild:
		return "rebuild"
	case ChunkHotSpare:
		return "hot-spare"
	case ChunkScrub:
		return "scrub"
	}
	return fmt.Sprintf("chunk-state(%d)", uint32(s))
}

func (s ChunkState) valid() bool {
	switch s {
	case ChunkOnline, ChunkOffline, ChunkRebuild, ChunkHotSpare, ChunkScrub:
		return true
	}
	return false
}

// VolumeState values match the bio(4) volume status codes stored on disk.
type VolumeState uint32

const (
	VolumeOnline   VolumeState = 0x00
	VolumeOffline  VolumeState = 0x01
	VolumeDegraded VolumeState = 0x02
	VolumeBuilding VolumeState = 0x03
	VolumeScrub    VolumeState = 0x04
	VolumeRebuild  VolumeState = 0x05
)

func (s VolumeState) String() string {
	switch s {
	case VolumeOnline:
		return "online"
	case VolumeOffline:
		return "offline"
	case VolumeDegraded:
		return "degraded"
	case VolumeBuilding:
		return "building"
	case VolumeScrub:
		return "scrub"
	case VolumeRebuild:
		return "rebuild"
	}
	return fmt.Sprintf("volume-state(%d)", uint32(s))
}

// serviceable reports whether I/O may be dispatched in this state.
func (s VolumeState) serviceable() bool {
	return s != VolumeOffline
}

// A chunk that fails I/O goes offline from any state that takes I/O.
var chunkTransitions = map[ChunkState][]ChunkState{
	ChunkOnline:   {ChunkOffline, ChunkScrub},
	ChunkOffline:  {ChunkRebuild},
	ChunkScrub:    {ChunkOnline, ChunkOffline},
	ChunkRebuild:  {ChunkOnline, ChunkOffline},
	ChunkHotSpare: {ChunkRebuild},
}

// Staying in the same state is always allowed.
var volumeTransitions = map[VolumeState][]VolumeState{
	VolumeOnline:   {VolumeOffline, VolumeDegraded, VolumeScrub, VolumeRebuild},
	VolumeOffline:  {},
	VolumeDegraded: {VolumeOffline, VolumeScrub, VolumeRebuild},
	VolumeBuilding: {VolumeOnline, VolumeOffline},
	VolumeScrub:    {VolumeOnline, VolumeOffline, VolumeDegraded, VolumeRebuild},
	VolumeRebuild:  {VolumeOnline, VolumeOffline, VolumeDegraded, VolumeScrub},
}

func chunkTransitionAllowed(from, to ChunkState) bool {
	for _, s := range chunkTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func volumeTransitionAllowed(from, to VolumeState) bool {
	if from == to {
		return true
	}
	for _, s := range volumeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeriveVolumeState computes the volume state from its chunk states. Hot
// spares do not take part. ok is false when the multiset matches no rule.
func DeriveVolumeState(states []ChunkState) (state VolumeState, ok bool) {
	var counts [8]int
	members := 0
	for _, s := range states {
		if s == ChunkHotSpare {
			continue
		}
		if !s.valid() {
			return VolumeOffline, false
		}
		members++
		counts[s]++
	}

	switch {
	case members == 0:
		return VolumeOffline, true
	case counts[ChunkOnline] == members:
		return VolumeOnline, true
	case counts[ChunkOnline] == 0:
		return VolumeOffline, true
	case counts[ChunkScrub] > 0:
		return VolumeScrub, true
	case counts[ChunkRebuild] > 0:
		return VolumeRebuild, true
	case counts[ChunkOffline] > 0:
		return VolumeDegraded, true
	}
	return VolumeOffline, false
}
