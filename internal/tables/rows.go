package tables

import (
	"strings"

	"ddiexposure/internal/concurrent"
	"ddiexposure/internal/episode"
	"ddiexposure/internal/exposure"
	"ddiexposure/internal/extract"
	"ddiexposure/internal/interval"
)

// DispensingRow is one pharmacy claim as stored in Parquet.
type DispensingRow struct {
	BeneID     string  `parquet:"bene_id"`
	DrugName   string  `parquet:"drug_name"`
	FillDate   int32   `parquet:"fill_date,date"`
	DaysSupply int32   `parquet:"days_supply"`
	Route      *string `parquet:"route,optional"`
}

func (r DispensingRow) dispensing() extract.Dispensing {
	d := extract.Dispensing{
		BeneID:     r.BeneID,
		DrugName:   r.DrugName,
		FillDate:   interval.Day(r.FillDate),
		DaysSupply: int(r.DaysSupply),
	}
	if r.Route != nil {
		d.Route = *r.Route
	}
	return d
}

// StayRow is one facility stay.
type StayRow struct {
	BeneID    string `parquet:"bene_id"`
	StayStart int32  `parquet:"stay_start,date"`
	StayEnd   int32  `parquet:"stay_end,date"`
}

func (r StayRow) stay() episode.Stay {
	return episode.Stay{
		BeneID:   r.BeneID,
		Interval: interval.Interval{Start: interval.Day(r.StayStart), End: interval.Day(r.StayEnd)},
	}
}

// ClippedRow is one clipped episode of a definition, for audit.
type ClippedRow struct {
	DefinitionID  string `parquet:"definition_id"`
	BeneID        string `parquet:"bene_id"`
	CoreDrug      string `parquet:"core_drug"`
	DrugClass     string `parquet:"drug_class"`
	Seq           int32  `parquet:"seq"`
	EpisodeStart  int32  `parquet:"episode_start,date"`
	EpisodeEnd    int32  `parquet:"episode_end,date"`
	StayStart     int32  `parquet:"stay_start,date"`
	StayEnd       int32  `parquet:"stay_end,date"`
	NHStart       int32  `parquet:"nh_start,date"`
	NHEnd         int32  `parquet:"nh_end,date"`
	MedUseSens    bool   `parquet:"med_use_sens"`
	NHSensStart   *int32 `parquet:"nh_sens_start,optional,date"`
	NHSensEnd     *int32 `parquet:"nh_sens_end,optional,date"`
	MaxDisconDate int32  `parquet:"max_discon_date,date"`
	Fills         int32  `parquet:"fills"`
}

// ClippedRows converts clipped episodes of one definition.
func ClippedRows(defID string, eps []episode.Clipped) []ClippedRow {
	out := make([]ClippedRow, 0, len(eps))
	for _, c := range eps {
		r := ClippedRow{
			DefinitionID:  defID,
			BeneID:        c.BeneID,
			CoreDrug:      c.CoreDrug,
			DrugClass:     c.Class,
			Seq:           int32(c.Seq),
			EpisodeStart:  int32(c.Episode.Start),
			EpisodeEnd:    int32(c.Episode.End),
			StayStart:     int32(c.Stay.Start),
			StayEnd:       int32(c.Stay.End),
			NHStart:       int32(c.NH.Start),
			NHEnd:         int32(c.NH.End),
			MedUseSens:    c.MedUseSens,
			MaxDisconDate: int32(c.MaxDisconDate),
			Fills:         int32(c.Fills),
		}
		if c.MedUseSens {
			r.NHSensStart = ptr(int32(c.NHSens.Start))
			r.NHSensEnd = ptr(int32(c.NHSens.End))
		}
		out = append(out, r)
	}
	return out
}

// OverlapRow is one concurrent-use overlap, for audit.
type OverlapRow struct {
	DefinitionID string `parquet:"definition_id"`
	BeneID       string `parquet:"bene_id"`
	StayStart    int32  `parquet:"stay_start,date"`
	StayEnd      int32  `parquet:"stay_end,date"`
	// Drugs and Episodes are "+"-joined in component order.
	Drugs        string `parquet:"drugs"`
	Episodes     string `parquet:"episodes"`
	OverlapStart int32  `parquet:"overlap_start,date"`
	OverlapEnd   int32  `parquet:"overlap_end,date"`
	SensStart    *int32 `parquet:"sens_start,optional,date"`
	SensEnd      *int32 `parquet:"sens_end,optional,date"`
	Censored     string `parquet:"censored"`
}

// OverlapRows converts overlaps.
func OverlapRows(overlaps []concurrent.Overlap) []OverlapRow {
	out := make([]OverlapRow, 0, len(overlaps))
	for _, o := range overlaps {
		refs := make([]string, len(o.Refs))
		for i, r := range o.Refs {
			refs[i] = r.String()
		}
		censored := make([]string, len(o.Censored))
		for i, c := range o.Censored {
			censored[i] = o.Drugs[c]
		}
		r := OverlapRow{
			DefinitionID: o.DefinitionID,
			BeneID:       o.BeneID,
			StayStart:    int32(o.Stay.Start),
			StayEnd:      int32(o.Stay.End),
			Drugs:        strings.Join(o.Drugs, "+"),
			Episodes:     strings.Join(refs, "+"),
			OverlapStart: int32(o.Start),
			OverlapEnd:   int32(o.End),
			Censored:     strings.Join(censored, "+"),
		}
		if o.HasSens {
			r.SensStart = ptr(int32(o.Sens.Start))
			r.SensEnd = ptr(int32(o.Sens.End))
		}
		out = append(out, r)
	}
	return out
}

// ExposureRow is one collapsed exposure episode.
type ExposureRow struct {
	RunID        string `parquet:"run_id"`
	DefinitionID string `parquet:"definition_id"`
	Variant      string `parquet:"variant"`
	BeneID       string `parquet:"bene_id"`
	EpisodeID    int32  `parquet:"ddi_episode_id"`
	Start        int32  `parquet:"ddi_start,date"`
	End          int32  `parquet:"ddi_end,date"`
	DaysWithDDI  int32  `parquet:"days_with_ddi"`
}

// ExposureRows converts exposure episodes of one run.
func ExposureRows(runID string, eps []exposure.Episode) []ExposureRow {
	out := make([]ExposureRow, 0, len(eps))
	for _, e := range eps {
		out = append(out, ExposureRow{
			RunID:        runID,
			DefinitionID: e.DefinitionID,
			Variant:      string(e.Variant),
			BeneID:       e.BeneID,
			EpisodeID:    int32(e.EpisodeID),
			Start:        int32(e.Start),
			End:          int32(e.End),
			DaysWithDDI:  int32(e.DaysWithDDI),
		})
	}
	return out
}

// ExposureFileName names the output file of one definition and variant.
func ExposureFileName(defID string, v exposure.Variant) string {
	return "ddi_" + sanitize(defID) + "_" + string(v) + ".parquet"
}

// AuditFileName names an audit dump ("clipped" or "overlaps") of one
// definition.
func AuditFileName(defID, kind string) string {
	return "ddi_" + sanitize(defID) + "_" + kind + ".parquet"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func ptr[T any](v T) *T { return &v }
