package csvstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"cryptoview/internal/model"
)

// formatFloat renders v so that parseFloat(formatFloat(v)) == v.
// Undefined (NaN) values are written as empty cells.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string, allowEmpty bool) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if allowEmpty {
			return math.NaN(), nil
		}
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(s, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(model.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(model.TimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func barRecord(b model.Bar) []string {
	return []string{
		formatTime(b.TS),
		formatFloat(b.Open),
		formatFloat(b.High),
		formatFloat(b.Low),
		formatFloat(b.Close),
		formatFloat(b.Volume),
	}
}

func parseBar(rec []string) (model.Bar, error) {
	var b model.Bar
	ts, err := parseTime(rec[0])
	if err != nil {
		return b, fmt.Errorf("Date: %w", err)
	}
	b.TS = ts
	dst := []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume}
	for i, p := range dst {
		v, err := parseFloat(rec[i+1], false)
		if err != nil {
			return b, fmt.Errorf("%s: %w", model.RawColumns[i+1], err)
		}
		*p = v
	}
	return b, nil
}

// EncodeSeries writes s as CSV with the raw header.
func EncodeSeries(w io.Writer, s model.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(model.RawColumns); err != nil {
		return err
	}
	for _, b := range s {
		if err := cw.Write(barRecord(b)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeSeries parses a raw CSV series. A file with only a header yields ErrNotFound.
func DecodeSeries(r io.Reader) (model.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(model.RawColumns)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", model.ErrMalformedSeries, err)
	}
	if err := checkHeader(header, model.RawColumns); err != nil {
		return nil, err
	}

	var s model.Series
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", model.ErrMalformedSeries, row, err)
		}
		b, err := parseBar(rec)
		if err == nil {
			err = b.Validate()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", model.ErrMalformedSeries, row, err)
		}
		s = append(s, b)
	}
	if len(s) == 0 {
		return nil, model.ErrNotFound
	}
	if _, err := s.Validate(""); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeDerived writes d as CSV with the derived header.
func EncodeDerived(w io.Writer, d model.DerivedSeries) error {
	cw := csv.NewWriter(w)
	cols := d.Columns()
	if err := cw.Write(cols); err != nil {
		return err
	}
	rec := make([]string, 0, len(cols))
	for _, r := range d.Rows {
		if len(r.EMA) != len(d.EMASpans) {
			return fmt.Errorf("row %s: %d ema values for %d spans", formatTime(r.TS), len(r.EMA), len(d.EMASpans))
		}
		rec = append(rec[:0], barRecord(r.Bar)...)
		rec = append(rec,
			formatFloat(r.Tenkan),
			formatFloat(r.Kijun),
			formatFloat(r.SenkouA),
			formatFloat(r.SenkouB),
			formatFloat(r.Chikou),
		)
		for _, v := range r.EMA {
			rec = append(rec, formatFloat(v))
		}
		rec = append(rec, strconv.Itoa(r.Score))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeDerived parses a derived CSV series, recovering the EMA spans from the header.
func DecodeDerived(r io.Reader) (model.DerivedSeries, error) {
	var d model.DerivedSeries
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return d, model.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("%w: header: %v", model.ErrMalformedSeries, err)
	}
	spans, err := parseDerivedHeader(header)
	if err != nil {
		return d, err
	}
	d.EMASpans = spans
	cr.FieldsPerRecord = len(header)

	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return d, fmt.Errorf("%w: row %d: %v", model.ErrMalformedSeries, row, err)
		}
		ir, err := parseDerivedRow(rec, len(spans))
		if err != nil {
			return d, fmt.Errorf("%w: row %d: %v", model.ErrMalformedSeries, row, err)
		}
		d.Rows = append(d.Rows, ir)
	}
	if len(d.Rows) == 0 {
		return d, model.ErrNotFound
	}
	return d, nil
}

var fixedDerived = []string{"Tenkan", "Kijun", "Senkou_A", "Senkou_B", "Chikou"}

func parseDerivedHeader(header []string) ([]int, error) {
	nFixed := len(model.RawColumns) + len(fixedDerived)
	if len(header) < nFixed+1 {
		return nil, fmt.Errorf("%w: derived header has %d columns", model.ErrMalformedSeries, len(header))
	}
	want := append(append([]string{}, model.RawColumns...), fixedDerived...)
	if err := checkHeader(header[:nFixed], want); err != nil {
		return nil, err
	}
	if header[len(header)-1] != "Score" {
		return nil, fmt.Errorf("%w: last column %q, want Score", model.ErrMalformedSeries, header[len(header)-1])
	}
	var spans []int
	for _, col := range header[nFixed : len(header)-1] {
		n, err := strconv.Atoi(strings.TrimPrefix(col, "EMA_"))
		if !strings.HasPrefix(col, "EMA_") || err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: unexpected column %q", model.ErrMalformedSeries, col)
		}
		spans = append(spans, n)
	}
	return spans, nil
}

func parseDerivedRow(rec []string, nSpans int) (model.IndicatorRow, error) {
	var ir model.IndicatorRow
	b, err := parseBar(rec[:len(model.RawColumns)])
	if err != nil {
		return ir, err
	}
	ir.Bar = b
	rest := rec[len(model.RawColumns):]
	dst := []*float64{&ir.Tenkan, &ir.Kijun, &ir.SenkouA, &ir.SenkouB, &ir.Chikou}
	for i, p := range dst {
		v, err := parseFloat(rest[i], true)
		if err != nil {
			return ir, fmt.Errorf("%s: %w", fixedDerived[i], err)
		}
		*p = v
	}
	rest = rest[len(dst):]
	ir.EMA = make([]float64, nSpans)
	for i := 0; i < nSpans; i++ {
		v, err := parseFloat(rest[i], true)
		if err != nil {
			return ir, fmt.Errorf("ema %d: %w", i, err)
		}
		ir.EMA[i] = v
	}
	score, err := strconv.Atoi(strings.TrimSpace(rest[nSpans]))
	if err != nil {
		return ir, fmt.Errorf("Score: %w", err)
	}
	ir.Score = score
	return ir, nil
}

func checkHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: header %v, want %v", model.ErrMalformedSeries, got, want)
	}
	for i := range want {
		if strings.TrimSpace(strings.TrimPrefix(got[i], "\ufeff")) != want[i] {
			return fmt.Errorf("%w: header %v, want %v", model.ErrMalformedSeries, got, want)
		}
	}
	return nil
}
