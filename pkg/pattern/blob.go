package pattern

import (
	"encoding/binary"

	"github.com/cookos/cook/pkg/errkind"
)

// Blob layout (§6): little-endian, 16-byte aligned.
//
//	header:  magic(u32) version(u32) binary_size(u32) reserved(u32)
//	body:    accept_words(u32) classmap_off(u32) transitions_off(u32)
//	         perms_off(u32) num_states(u32) num_classes(u32) start_state(u32)
//	classmap:    256 bytes, byte value -> class id
//	transitions: num_states*num_classes u16 entries, row-major by state
//	perms:       num_states bytes, access mask per state
//
// A state's perms byte doubles as its accept flag: perms == 0 means the
// state is not accepting (no compiled pattern can grant zero access and
// still be worth tracking — see DESIGN.md). accept_words is a redundant
// integrity field: the count of states with a non-zero perms byte,
// recomputed and compared on import.
const (
	blobMagic   uint32 = 0x434b5041 // "CKPA": cook path automaton
	blobVersion uint32 = 1

	headerSize = 16
	bodySize   = 28
)

func align16(n int) int {
	return (n + 15) &^ 15
}

// Export serializes a DFA profile to its wire blob. Backtracking-mode
// profiles cannot be exported: they carry no automaton.
func Export(profile *CompiledProfile) ([]byte, error) {
	if profile == nil || profile.automaton == nil {
		return nil, errkind.New(errkind.InvalidArgument, "profile has no automaton to export")
	}
	a := profile.automaton

	classmapOff := align16(headerSize + bodySize)
	transitionsOff := align16(classmapOff + 256)
	transSize := a.numStates * a.numClasses * 2
	permsOff := align16(transitionsOff + transSize)
	total := align16(permsOff + a.numStates)

	buf := make([]byte, total)

	acceptWords := 0
	for _, p := range a.perms {
		if p != 0 {
			acceptWords++
		}
	}

	binary.LittleEndian.PutUint32(buf[0:4], blobMagic)
	binary.LittleEndian.PutUint32(buf[4:8], blobVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(total))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], uint32(acceptWords))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(classmapOff))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(transitionsOff))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(permsOff))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(a.numStates))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(a.numClasses))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(a.start))

	for b := 0; b < 256; b++ {
		buf[classmapOff+b] = byte(a.classMap[b])
	}
	for i, t := range a.transitions {
		binary.LittleEndian.PutUint16(buf[transitionsOff+i*2:], uint16(t))
	}
	for i, p := range a.perms {
		buf[permsOff+i] = byte(p)
	}

	return buf, nil
}

// Import deserializes and validates a blob produced by Export, rejecting
// any structural inconsistency with InvalidBlob/InvalidArgument per §8.
func Import(blob []byte) (*CompiledProfile, error) {
	if len(blob) < headerSize+bodySize {
		return nil, errkind.New(errkind.InvalidArgument, "blob too short for header")
	}
	magic := binary.LittleEndian.Uint32(blob[0:4])
	if magic != blobMagic {
		return nil, errkind.New(errkind.InvalidBlob, "bad magic")
	}
	version := binary.LittleEndian.Uint32(blob[4:8])
	if version != blobVersion {
		return nil, errkind.New(errkind.InvalidBlob, "unsupported version %d", version)
	}
	binarySize := int(binary.LittleEndian.Uint32(blob[8:12]))
	if binarySize != len(blob) {
		return nil, errkind.New(errkind.InvalidArgument, "binary_size %d does not match blob length %d", binarySize, len(blob))
	}

	acceptWords := int(binary.LittleEndian.Uint32(blob[16:20]))
	classmapOff := int(binary.LittleEndian.Uint32(blob[20:24]))
	transitionsOff := int(binary.LittleEndian.Uint32(blob[24:28]))
	permsOff := int(binary.LittleEndian.Uint32(blob[28:32]))
	numStates := int(binary.LittleEndian.Uint32(blob[32:36]))
	numClasses := int(binary.LittleEndian.Uint32(blob[36:40]))
	startState := int(binary.LittleEndian.Uint32(blob[40:44]))

	if numClasses < 1 || numClasses > 256 {
		return nil, errkind.New(errkind.InvalidArgument, "num_classes %d out of range", numClasses)
	}
	if numStates <= 0 {
		return nil, errkind.New(errkind.InvalidArgument, "num_states %d out of range", numStates)
	}
	if startState < 0 || startState >= numStates {
		return nil, errkind.New(errkind.InvalidArgument, "start_state %d out of range", startState)
	}
	if classmapOff < 0 || classmapOff+256 > binarySize {
		return nil, errkind.New(errkind.InvalidBlob, "classmap_off out of range")
	}
	transSize := numStates * numClasses * 2
	if transitionsOff < 0 || transitionsOff+transSize > binarySize {
		return nil, errkind.New(errkind.InvalidBlob, "transitions_off out of range")
	}
	if permsOff < 0 || permsOff+numStates > binarySize {
		return nil, errkind.New(errkind.InvalidBlob, "perms_off out of range")
	}

	a := &automaton{
		numStates:  numStates,
		numClasses: numClasses,
		start:      startState,
	}
	for b := 0; b < 256; b++ {
		class := int(blob[classmapOff+b])
		if class >= numClasses {
			return nil, errkind.New(errkind.InvalidBlob, "classmap entry %d out of range", class)
		}
		a.classMap[b] = class
	}

	a.transitions = make([]int, numStates*numClasses)
	for i := range a.transitions {
		t := int(binary.LittleEndian.Uint16(blob[transitionsOff+i*2:]))
		if t < 0 || t >= numStates {
			return nil, errkind.New(errkind.InvalidBlob, "transition target %d out of range", t)
		}
		a.transitions[i] = t
	}

	a.perms = make([]AccessMask, numStates)
	a.accept = make([]bool, numStates)
	gotAcceptWords := 0
	for i := 0; i < numStates; i++ {
		p := AccessMask(blob[permsOff+i])
		a.perms[i] = p
		if p != 0 {
			a.accept[i] = true
			gotAcceptWords++
		}
	}
	if gotAcceptWords != acceptWords {
		return nil, errkind.New(errkind.InvalidBlob, "accept_words %d does not match %d accepting states", acceptWords, gotAcceptWords)
	}

	return &CompiledProfile{mode: ModeDFA, automaton: a}, nil
}
