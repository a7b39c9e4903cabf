package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/lz4"
	"go.uber.org/zap"

	"github.com/crdtext/core/causalgraph"
	"github.com/crdtext/core/oplog"
)

// crcTable is the Castagnoli polynomial CRC-32C used by every chunk,
// matching the fast variant already wired into hardware on most
// targets this runs on.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// parentFlag tags how a patch run's Parents column entry is encoded.
type parentFlag byte

const (
	parentFlagRoot     parentFlag = iota // no parents: the run opens the document
	parentFlagTrivial                    // single parent, LVStart-1 (same-agent continuation)
	parentFlagExplicit                   // count, then zig-zag (LVStart-1-parent) deltas
)

// patchRun is the codec's internal unit of encoding: the largest
// contiguous LV range sharing one CG entry's agent/parents *and* one
// OpLog row's kind/direction/position progression. Computing these is
// what lets a long run of sequential typing collapse to one row in
// every column.
type patchRun struct {
	lvStart  causalgraph.LV
	len      int
	agent    causalgraph.Agent
	seqStart int
	parents  causalgraph.Frontier // nil or empty means no parents (root); see parentFlag
	kind     oplog.Kind
	fwd      bool
	pos      int
	content  string // runes inserted by this run; empty for deletes
}

// buildPatchRuns walks the causal graph's entries and the op log's
// rows together, splitting a CG entry wherever the underlying op row
// boundary falls inside it so that every emitted run has one
// consistent (agent, parents) pair *and* one consistent (kind, fwd,
// pos-progression).
func buildPatchRuns(log *oplog.OpLog) ([]patchRun, error) {
	var runs []patchRun
	for _, e := range log.CG().Entries() {
		lv := e.LVStart
		for lv < e.LVEnd {
			row, off, err := log.At(lv)
			if err != nil {
				return nil, err
			}
			avail := row.Len - off
			remain := int(e.LVEnd - lv)
			n := avail
			if remain < n {
				n = remain
			}
			var parents causalgraph.Frontier
			if lv == e.LVStart {
				parents = e.Parents
			} else {
				parents = causalgraph.Frontier{lv - 1}
			}
			content := ""
			if row.Kind == oplog.KindInsert {
				content = string([]rune(row.Content)[off : off+n])
			}
			runs = append(runs, patchRun{
				lvStart:  lv,
				len:      n,
				agent:    e.Agent,
				seqStart: e.SeqStart + int(lv-e.LVStart),
				parents:  parents,
				kind:     row.Kind,
				fwd:      row.Fwd,
				pos:      row.PosAt(off),
				content:  content,
			})
			lv += causalgraph.LV(n)
		}
	}
	return runs, nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return v, nil
}

func readVarint(r *bytes.Reader) (int64, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return v, nil
}

// writeChunk frames payload as (kind, length, payload, crc32c).
func writeChunk(w *bytes.Buffer, kind ChunkKind, payload []byte) {
	putUvarint(w, uint64(kind))
	putUvarint(w, uint64(len(payload)))
	w.Write(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.Checksum(payload, crcTable))
	w.Write(crcBuf[:])
}

// compressPayload optionally LZ4-compresses raw, returning
// (flag, bytes). Compression is skipped for small payloads where the
// flag byte and frame overhead would outweigh any savings.
func compressPayload(raw []byte) (byte, []byte, error) {
	if len(raw) < 64 {
		return compressNone, raw, nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return 0, nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if buf.Len() >= len(raw) {
		return compressNone, raw, nil
	}
	return compressLZ4, buf.Bytes(), nil
}

func decompressPayload(flag byte, data []byte) ([]byte, error) {
	switch flag {
	case compressNone:
		return data, nil
	case compressLZ4:
		zr := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrCorruptFile, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression flag %d", ErrCorruptFile, flag)
	}
}

// Encode serializes log's full causal graph and operation log to the
// chunked DMNDTYPS wire format. logger may be nil (defaults to a
// no-op logger).
func Encode(log *oplog.OpLog, logger *zap.Logger) ([]byte, error) {
	runs, err := buildPatchRuns(log)
	if err != nil {
		return nil, err
	}
	return encodeRuns(runs, logger)
}

// EncodeRange serializes only the LV ranges named by ranges (e.g. the
// output of causalgraph.Diff), clipping any run that straddles a
// range boundary. It backs OpLog.GetPatchSince in the textcrdt
// library surface.
func EncodeRange(log *oplog.OpLog, ranges []causalgraph.LVRange, logger *zap.Logger) ([]byte, error) {
	runs, err := buildPatchRuns(log)
	if err != nil {
		return nil, err
	}
	return encodeRuns(filterRuns(runs, ranges), logger)
}

// filterRuns clips runs down to the portions overlapping ranges, which
// must be sorted ascending and disjoint (as causalgraph.Diff produces
// them). A run straddling a range boundary is split so every emitted
// sub-run's parents and content stay self-consistent.
func filterRuns(runs []patchRun, ranges []causalgraph.LVRange) []patchRun {
	var out []patchRun
	ri := 0
	for _, r := range runs {
		rStart := r.lvStart
		rEnd := r.lvStart + causalgraph.LV(r.len)
		for ri < len(ranges) && ranges[ri].End <= rStart {
			ri++
		}
		for j := ri; j < len(ranges) && ranges[j].Start < rEnd; j++ {
			clipStart := rStart
			if ranges[j].Start > clipStart {
				clipStart = ranges[j].Start
			}
			clipEnd := rEnd
			if ranges[j].End < clipEnd {
				clipEnd = ranges[j].End
			}
			if clipEnd > clipStart {
				out = append(out, clipRun(r, clipStart, clipEnd))
			}
		}
	}
	return out
}

// clipRun narrows r to the sub-range [start, end), recomputing its
// seq, position, content and (when the clip doesn't start at the
// run's own start) parents, exactly as buildPatchRuns does for a
// mid-entry split.
func clipRun(r patchRun, start, end causalgraph.LV) patchRun {
	offset := int(start - r.lvStart)
	n := int(end - start)
	parents := r.parents
	if start != r.lvStart {
		parents = causalgraph.Frontier{start - 1}
	}
	content := r.content
	if r.kind == oplog.KindInsert && content != "" {
		runes := []rune(content)
		content = string(runes[offset : offset+n])
	}
	pos := r.pos
	if r.fwd {
		pos += offset
	}
	return patchRun{
		lvStart:  start,
		len:      n,
		agent:    r.agent,
		seqStart: r.seqStart + offset,
		parents:  parents,
		kind:     r.kind,
		fwd:      r.fwd,
		pos:      pos,
		content:  content,
	}
}

func encodeRuns(runs []patchRun, logger *zap.Logger) ([]byte, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	agentIndex := map[causalgraph.Agent]int{}
	var agentNames []string
	indexOf := func(a causalgraph.Agent) int {
		if i, ok := agentIndex[a]; ok {
			return i
		}
		i := len(agentNames)
		agentIndex[a] = i
		agentNames = append(agentNames, string(a))
		return i
	}

	var agentAssign, kindPos, parentsCol bytes.Buffer
	var insertedContent bytes.Buffer

	prevSeqEnd := map[causalgraph.Agent]int{}
	prevPos := 0
	for _, r := range runs {
		// AgentAssignment: (agentIndex, seqDelta, runLen)
		putUvarint(&agentAssign, uint64(indexOf(r.agent)))
		putVarint(&agentAssign, int64(r.seqStart-prevSeqEnd[r.agent]))
		putUvarint(&agentAssign, uint64(r.len))
		prevSeqEnd[r.agent] = r.seqStart + r.len

		// OpKindAndPosition: (kind|fwd flag byte, runLen, positionDelta)
		var flag byte
		if r.kind == oplog.KindDelete {
			flag |= 1
		}
		if r.fwd {
			flag |= 2
		}
		kindPos.WriteByte(flag)
		putUvarint(&kindPos, uint64(r.len))
		putVarint(&kindPos, int64(r.pos-prevPos))
		prevPos = r.pos

		// Parents: one entry per run.
		switch {
		case len(r.parents) == 0 && r.parents != nil:
			parentsCol.WriteByte(byte(parentFlagRoot))
		case r.parents == nil:
			// The causal graph stores a root-parented entry's Parents
			// as nil, so nil is encoded as root too.
			parentsCol.WriteByte(byte(parentFlagRoot))
		case len(r.parents) == 1 && r.parents[0] == r.lvStart-1:
			parentsCol.WriteByte(byte(parentFlagTrivial))
		default:
			parentsCol.WriteByte(byte(parentFlagExplicit))
			putUvarint(&parentsCol, uint64(len(r.parents)))
			for _, p := range r.parents {
				putVarint(&parentsCol, int64(r.lvStart-1-p))
			}
		}

		if r.kind == oplog.KindInsert {
			insertedContent.WriteString(r.content)
		}
	}

	var out bytes.Buffer
	out.Write(Magic[:])
	putUvarint(&out, uint64(ProtocolVersion))

	var fileInfo bytes.Buffer
	putUvarint(&fileInfo, uint64(len(agentNames)))
	for _, n := range agentNames {
		putUvarint(&fileInfo, uint64(len(n)))
		fileInfo.WriteString(n)
	}
	writeChunk(&out, ChunkFileInfo, fileInfo.Bytes())

	var cgPayload bytes.Buffer
	putUvarint(&cgPayload, uint64(len(runs)))
	cgPayload.Write(agentAssign.Bytes())
	writeChunk(&out, ChunkCGEntries, cgPayload.Bytes())

	var opPayload bytes.Buffer
	opPayload.Write(kindPos.Bytes())
	putUvarint(&opPayload, uint64(parentsCol.Len()))
	opPayload.Write(parentsCol.Bytes())
	writeChunk(&out, ChunkOpRows, opPayload.Bytes())

	flag, compressed, err := compressPayload(insertedContent.Bytes())
	if err != nil {
		return nil, err
	}
	var contentPayload bytes.Buffer
	contentPayload.WriteByte(flag)
	putUvarint(&contentPayload, uint64(insertedContent.Len()))
	contentPayload.Write(compressed)
	writeChunk(&out, ChunkContent, contentPayload.Bytes())

	logger.Debug("codec: encoded oplog",
		zap.Int("runs", len(runs)),
		zap.Int("agents", len(agentNames)),
		zap.Int("bytes", out.Len()),
	)

	fullCRC := crc32.Checksum(out.Bytes(), crcTable)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], fullCRC)
	out.Write(crcBuf[:])

	return out.Bytes(), nil
}

// readChunk reads one (kind, length, payload, crc) frame, validating
// the payload's CRC. io.EOF is returned (unwrapped) when the reader is
// exhausted between chunks.
func readChunk(r *bytes.Reader) (ChunkKind, []byte, error) {
	if r.Len() == 0 {
		return 0, nil, io.EOF
	}
	kind, err := readUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	length, err := readUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	if length > uint64(r.Len()) {
		return 0, nil, fmt.Errorf("%w: chunk length %d exceeds remaining bytes", ErrCorruptFile, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.Checksum(payload, crcTable)
	if want != got {
		return 0, nil, fmt.Errorf("%w: chunk crc mismatch", ErrCorruptFile)
	}
	return ChunkKind(kind), payload, nil
}

// Decode parses the chunked DMNDTYPS format and integrates every
// recorded patch run into a fresh OpLog. logger may be nil.
func Decode(data []byte, logger *zap.Logger) (*oplog.OpLog, error) {
	out := oplog.New()
	if _, err := DecodeInto(out, data, logger); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeInto parses the chunked DMNDTYPS format and merges every
// recorded patch run into dst (an existing OpLog), exactly like
// integrating a remote peer's patch. Runs dst already has (matched by
// agent/seq) are silently skipped, per the causal graph's benign-
// duplicate rule. Returns the first newly-added LV, or
// causalgraph.RootLV if every run in data was already known to dst.
func DecodeInto(dst *oplog.OpLog, data []byte, logger *zap.Logger) (causalgraph.LV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(data) < len(Magic)+5 {
		return 0, fmt.Errorf("%w: too short", ErrBadMagic)
	}
	trailer := data[len(data)-4:]
	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(trailer)
	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return 0, fmt.Errorf("%w: file crc mismatch", ErrCorruptFile)
	}

	r := bytes.NewReader(body)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != Magic {
		return 0, ErrBadMagic
	}
	version, err := readUvarint(r)
	if err != nil {
		return 0, err
	}
	if version != ProtocolVersion {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var agentNames []string
	var runCount int
	var agentAssign, kindPos, insertedContent []byte

	for {
		kind, payload, err := readChunk(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		switch kind {
		case ChunkFileInfo:
			pr := bytes.NewReader(payload)
			n, err := readUvarint(pr)
			if err != nil {
				return 0, err
			}
			agentNames = make([]string, 0, n)
			for i := uint64(0); i < n; i++ {
				l, err := readUvarint(pr)
				if err != nil {
					return 0, err
				}
				buf := make([]byte, l)
				if _, err := io.ReadFull(pr, buf); err != nil {
					return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
				}
				agentNames = append(agentNames, string(buf))
			}
		case ChunkCGEntries:
			pr := bytes.NewReader(payload)
			n, err := readUvarint(pr)
			if err != nil {
				return 0, err
			}
			runCount = int(n)
			rest, err := io.ReadAll(pr)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
			}
			agentAssign = rest
		case ChunkOpRows:
			// Holds both the kind/position runs and the (length-prefixed)
			// parents column back to back; rebuild splits them once
			// runCount is known.
			kindPos = payload
		case ChunkContent:
			pr := bytes.NewReader(payload)
			flag, err := pr.ReadByte()
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
			}
			rawLen, err := readUvarint(pr)
			if err != nil {
				return 0, err
			}
			rest, err := io.ReadAll(pr)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
			}
			decoded, err := decompressPayload(flag, rest)
			if err != nil {
				return 0, err
			}
			if uint64(len(decoded)) != rawLen {
				return 0, fmt.Errorf("%w: content length mismatch", ErrCorruptFile)
			}
			insertedContent = decoded
		default:
			logger.Warn("codec: skipping unknown chunk", zap.Uint32("kind", uint32(kind)))
		}
	}

	return rebuild(dst, runCount, agentNames, agentAssign, kindPos, insertedContent, logger)
}

// rebuild replays the decoded columns (in lockstep) into dst,
// resolving each run's parents against a running table of (source LV
// -> RawVersion) built as runs are consumed in file order. Returns the
// first LV newly added to dst, or causalgraph.RootLV if every run was
// already present.
func rebuild(dst *oplog.OpLog, runCount int, agentNames []string, agentAssign, kindPosAndParents, insertedContent []byte, logger *zap.Logger) (causalgraph.LV, error) {
	aaR := bytes.NewReader(agentAssign)

	// kindPosAndParents actually holds the OpRows chunk payload as
	// written: kindPos entries for every run, then a varint-prefixed
	// parents column. Split it here now that we have runCount.
	full := bytes.NewReader(kindPosAndParents)
	type rawKindPos struct {
		kind oplog.Kind
		fwd  bool
		len  int
		pos  int
	}
	prevPos := 0
	kps := make([]rawKindPos, 0, runCount)
	for i := 0; i < runCount; i++ {
		flag, err := full.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		n, err := readUvarint(full)
		if err != nil {
			return 0, err
		}
		delta, err := readVarint(full)
		if err != nil {
			return 0, err
		}
		pos := prevPos + int(delta)
		prevPos = pos
		kind := oplog.KindInsert
		if flag&1 != 0 {
			kind = oplog.KindDelete
		}
		kps = append(kps, rawKindPos{kind: kind, fwd: flag&2 != 0, len: int(n), pos: pos})
	}
	parentsLen, err := readUvarint(full)
	if err != nil {
		return 0, err
	}
	parentsBuf := make([]byte, parentsLen)
	if _, err := io.ReadFull(full, parentsBuf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	pr := bytes.NewReader(parentsBuf)

	contentRunes := []rune(string(insertedContent))
	contentPos := 0

	srcTable := map[causalgraph.LV]causalgraph.RawVersion{}
	var srcLV causalgraph.LV
	firstNew := causalgraph.RootLV

	prevSeqEnd := map[int]int{}
	for i := 0; i < runCount; i++ {
		agentIdx, err := readUvarint(aaR)
		if err != nil {
			return 0, err
		}
		seqDelta, err := readVarint(aaR)
		if err != nil {
			return 0, err
		}
		runLen64, err := readUvarint(aaR)
		if err != nil {
			return 0, err
		}
		runLen := int(runLen64)
		if int(agentIdx) >= len(agentNames) {
			return 0, fmt.Errorf("%w: agent index out of range", ErrCorruptFile)
		}
		agent := causalgraph.Agent(agentNames[agentIdx])
		seqStart := prevSeqEnd[int(agentIdx)] + int(seqDelta)
		prevSeqEnd[int(agentIdx)] = seqStart + runLen

		flagByte, err := pr.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		var rawParents []causalgraph.RawVersion
		switch parentFlag(flagByte) {
		case parentFlagRoot:
			rawParents = make([]causalgraph.RawVersion, 0)
		case parentFlagTrivial:
			if srcLV == 0 {
				return 0, fmt.Errorf("%w: trivial parent at lv 0", ErrCorruptFile)
			}
			rv, ok := srcTable[srcLV-1]
			if !ok {
				return 0, fmt.Errorf("%w: missing parent for trivial chain", ErrCorruptFile)
			}
			rawParents = []causalgraph.RawVersion{rv}
		case parentFlagExplicit:
			count, err := readUvarint(pr)
			if err != nil {
				return 0, err
			}
			rawParents = make([]causalgraph.RawVersion, 0, count)
			for j := uint64(0); j < count; j++ {
				delta, err := readVarint(pr)
				if err != nil {
					return 0, err
				}
				parentLV := srcLV - 1 - causalgraph.LV(delta)
				rv, ok := srcTable[parentLV]
				if !ok {
					return 0, fmt.Errorf("%w: unresolved explicit parent", ErrCorruptFile)
				}
				rawParents = append(rawParents, rv)
			}
		default:
			return 0, fmt.Errorf("%w: unknown parent flag %d", ErrCorruptFile, flagByte)
		}

		if i >= len(kps) {
			return 0, fmt.Errorf("%w: op row/agent run count mismatch", ErrCorruptFile)
		}
		kp := kps[i]
		if kp.len != runLen {
			return 0, fmt.Errorf("%w: run length mismatch between columns", ErrCorruptFile)
		}

		content := ""
		if kp.kind == oplog.KindInsert {
			if contentPos+runLen > len(contentRunes) {
				return 0, fmt.Errorf("%w: inserted content underflow", ErrCorruptFile)
			}
			content = string(contentRunes[contentPos : contentPos+runLen])
			contentPos += runLen
		}
		if runLen <= 0 {
			return 0, fmt.Errorf("%w: non-positive run length", ErrCorruptFile)
		}

		newLV, err := dst.PushRemote(causalgraph.RawVersion{Agent: agent, Seq: seqStart}, kp.kind, kp.pos, kp.fwd, content, runLen, rawParents)
		if err != nil {
			return 0, err
		}
		if newLV != causalgraph.RootLV && firstNew == causalgraph.RootLV {
			firstNew = newLV
		}

		for k := 0; k < runLen; k++ {
			srcTable[srcLV+causalgraph.LV(k)] = causalgraph.RawVersion{Agent: agent, Seq: seqStart + k}
		}
		srcLV += causalgraph.LV(runLen)
	}

	logger.Debug("codec: decoded oplog", zap.Int("runs", runCount), zap.Int("lvs", int(srcLV)))
	return firstNew, nil
}
