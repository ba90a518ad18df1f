package snapshot

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/bridge/pkg/archive"
	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/shopspring/decimal"
)

// Extractor produces the newest logical Tick for a symbol's archive file.
type Extractor interface {
	Extract(ctx context.Context, identifier registry.Identifier, path string) (Tick, error)
}

// initialTailWindow is the bound tail window read on the first attempt;
// it is sized to comfortably cover one maximum-size record and doubled
// (up to maxTailWindow) if no complete record is found inside it.
const (
	initialTailWindow = 4 * 1024
	maxTailWindow     = 256 * 1024
)

// Dispatch picks the right Extractor for a file based on its archive Kind.
func Dispatch(kind archive.Kind, reader *archive.Reader) Extractor {
	switch kind {
	case archive.KindDailyBars:
		return &DailyBarExtractor{reader: reader}
	default:
		// tick-records and anything unclassified are read as raw tick
		// records: a daily-bars file degraded to "other" still parses
		// fine as tick lines if it happens to share the delimiter shape,
		// but in practice KindOther only ever reaches here for files the
		// watcher was told to follow explicitly.
		return &TickRecordExtractor{reader: reader}
	}
}

// readGrowingTail reads progressively larger tail windows of path until it
// finds at least one newline, or the window hits maxTailWindow.
func readGrowingTail(reader *archive.Reader, path string) ([]byte, error) {
	window := int64(initialTailWindow)
	for {
		data, err := reader.Tail(path, window)
		if err != nil {
			return nil, err
		}
		if bytes.IndexByte(data, '\n') >= 0 || int64(len(data)) < window || window >= maxTailWindow {
			return data, nil
		}
		window *= 2
	}
}

// lastCompleteLine returns the last newline-terminated line in data,
// discarding any trailing partial record (one with no terminating
// newline, meaning the writer may still be mid-write on it).
func lastCompleteLine(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}

	trimmed := data
	if data[len(data)-1] != '\n' {
		idx := bytes.LastIndexByte(data, '\n')
		if idx < 0 {
			// the whole window is one unterminated partial record
			return "", false
		}
		trimmed = data[:idx]
	}

	trimmed = bytes.TrimRight(trimmed, "\n")
	if len(trimmed) == 0 {
		return "", false
	}
	idx := bytes.LastIndexByte(trimmed, '\n')
	line := trimmed[idx+1:]
	if len(line) == 0 {
		return "", false
	}
	return string(line), true
}

// TickRecordExtractor parses per-line tick records:
// ts,last,bid,ask,lastVolume,cumulativeVolume,source
type TickRecordExtractor struct {
	reader *archive.Reader
}

func (e *TickRecordExtractor) Extract(_ context.Context, identifier registry.Identifier, path string) (Tick, error) {
	data, err := readGrowingTail(e.reader, path)
	if err != nil {
		return Tick{}, err
	}
	line, ok := lastCompleteLine(data)
	if !ok {
		return Tick{}, bridgeerr.New(bridgeerr.KindNoData, "snapshot.TickRecordExtractor", path, "no complete tick record found in tail window")
	}
	return parseTickLine(identifier, line, path)
}

func parseTickLine(identifier registry.Identifier, line, path string) (Tick, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 7 {
		return Tick{}, bridgeerr.New(bridgeerr.KindParseError, "snapshot.parseTickLine", path, "expected 7 comma-separated fields")
	}

	ts, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}

	last, err := optionalDecimal(fields[1])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}
	bid, err := optionalDecimal(fields[2])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}
	ask, err := optionalDecimal(fields[3])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}
	lastVol, err := optionalInt64(fields[4])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}
	cumVol, err := optionalInt64(fields[5])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseTickLine", path, err)
	}

	return Tick{
		Identifier:       identifier,
		EventTime:        ts.UTC(),
		Last:             last,
		Bid:              bid,
		Ask:              ask,
		LastVolume:       lastVol,
		CumulativeVolume: cumVol,
		Source:           strings.TrimSpace(fields[6]),
	}, nil
}

// DailyBarExtractor parses per-line daily bar records:
// date,open,high,low,close,volume
// and surfaces the close price as "last", matching how a bar update looks
// to the rest of the pipeline (the only field that meaningfully changes
// between two observations of the same day's bar before it closes).
type DailyBarExtractor struct {
	reader *archive.Reader
}

func (e *DailyBarExtractor) Extract(_ context.Context, identifier registry.Identifier, path string) (Tick, error) {
	data, err := readGrowingTail(e.reader, path)
	if err != nil {
		return Tick{}, err
	}
	line, ok := lastCompleteLine(data)
	if !ok {
		return Tick{}, bridgeerr.New(bridgeerr.KindNoData, "snapshot.DailyBarExtractor", path, "no complete bar record found in tail window")
	}
	return parseDailyBarLine(identifier, line, path)
}

func parseDailyBarLine(identifier registry.Identifier, line, path string) (Tick, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 6 {
		return Tick{}, bridgeerr.New(bridgeerr.KindParseError, "snapshot.parseDailyBarLine", path, "expected 6 comma-separated fields")
	}

	date, err := time.Parse("2006-01-02", fields[0])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseDailyBarLine", path, err)
	}

	closePx, err := optionalDecimal(fields[4])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseDailyBarLine", path, err)
	}
	volume, err := optionalInt64(fields[5])
	if err != nil {
		return Tick{}, bridgeerr.Wrap(bridgeerr.KindParseError, "snapshot.parseDailyBarLine", path, err)
	}

	return Tick{
		Identifier:       identifier,
		EventTime:        date.UTC(),
		Last:             closePx,
		CumulativeVolume: volume,
		Source:           "daily-bars",
	}, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalInt64(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
