package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// AttrCoverage reports whether a tampering technique examined the document.
const AttrCoverage = "coverage"

// ErrorLevelAnalysis recompresses a JPEG at a fixed quality and looks for
// blocks whose recompression error departs from the rest of the image.
// Regions pasted from another source usually carry a different compression
// history and stand out.
type ErrorLevelAnalysis struct {
	Quality   int
	BlockSize int
	// MaxPixels bounds the work per image; larger images are not examined.
	MaxPixels int
}

func NewErrorLevelAnalysis() ErrorLevelAnalysis {
	return ErrorLevelAnalysis{Quality: 90, BlockSize: 16, MaxPixels: 40_000_000}
}

func (ErrorLevelAnalysis) Name() string { return "jpeg-ela" }

func (ErrorLevelAnalysis) Supports(mediaType string) bool { return mediaType == "image/jpeg" }

func (p ErrorLevelAnalysis) Run(ctx context.Context, in Input) (Output, error) {
	src, err := imaging.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "decode jpeg: %v", err)
	}
	b := src.Bounds()
	if b.Dx()*b.Dy() > p.MaxPixels {
		return Output{
			Provider:   p.Name(),
			Summary:    "image too large for error level analysis",
			Attributes: map[string]string{AttrCoverage: "none"},
		}, nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
		return Output{}, fmt.Errorf("recompress: %w", err)
	}
	re, err := imaging.Decode(&buf)
	if err != nil {
		return Output{}, fmt.Errorf("decode recompressed: %w", err)
	}

	blocks, err := p.blockErrors(ctx, imaging.Clone(src), imaging.Clone(re))
	if err != nil {
		return Output{}, err
	}
	stats := summarize(blocks)

	attrs := map[string]string{
		AttrCoverage:         "full",
		"ela_quality":        strconv.Itoa(p.Quality),
		"ela_blocks":         strconv.Itoa(len(blocks)),
		"ela_mean_error":     strconv.FormatFloat(stats.mean, 'f', 3, 64),
		"ela_stddev":         strconv.FormatFloat(stats.stddev, 'f', 3, 64),
		"ela_outlier_blocks": strconv.Itoa(stats.outliers),
		"ela_outlier_ratio":  strconv.FormatFloat(stats.ratio, 'f', 4, 64),
	}
	var findings []Finding
	switch {
	case stats.ratio >= 0.10:
		findings = append(findings, Finding{
			Code:     "ela_localized_error",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%.1f%% of blocks show inconsistent recompression error", stats.ratio*100),
		})
	case stats.ratio >= 0.02:
		findings = append(findings, Finding{
			Code:     "ela_localized_error",
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("%.1f%% of blocks show inconsistent recompression error", stats.ratio*100),
		})
	}
	return Output{
		Provider:   p.Name(),
		Summary:    fmt.Sprintf("error level analysis over %d blocks, %d outliers", len(blocks), stats.outliers),
		Attributes: attrs,
		Findings:   findings,
	}, nil
}

func (p ErrorLevelAnalysis) blockErrors(ctx context.Context, a, b *image.NRGBA) ([]float64, error) {
	size := p.BlockSize
	if size <= 0 {
		size = 16
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	var out []float64
	for by := 0; by+size <= h; by += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for bx := 0; bx+size <= w; bx += size {
			var sum float64
			for y := by; y < by+size; y++ {
				ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
				rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
				for x := bx; x < bx+size; x++ {
					i := x * 4
					sum += absDiff(ra[i], rb[i]) + absDiff(ra[i+1], rb[i+1]) + absDiff(ra[i+2], rb[i+2])
				}
			}
			out = append(out, sum/float64(size*size*3))
		}
	}
	return out, nil
}

func absDiff(x, y uint8) float64 {
	if x > y {
		return float64(x - y)
	}
	return float64(y - x)
}

type blockStats struct {
	mean, stddev float64
	outliers     int
	ratio        float64
}

func summarize(blocks []float64) blockStats {
	var s blockStats
	if len(blocks) < 4 {
		return s
	}
	for _, v := range blocks {
		s.mean += v
	}
	s.mean /= float64(len(blocks))
	for _, v := range blocks {
		s.stddev += (v - s.mean) * (v - s.mean)
	}
	s.stddev = math.Sqrt(s.stddev / float64(len(blocks)))

	threshold := s.mean + 2*s.stddev
	if floor := 2 * s.mean; threshold < floor {
		threshold = floor
	}
	if threshold < 2 {
		threshold = 2
	}
	for _, v := range blocks {
		if v > threshold {
			s.outliers++
		}
	}
	s.ratio = float64(s.outliers) / float64(len(blocks))
	return s
}

// editorProducers are producer or creator substrings of tools that rewrite
// existing documents rather than author new ones.
var editorProducers = []string{
	"photoshop", "gimp", "pdfedit", "foxit phantom", "nitro", "sejda",
	"ilovepdf", "smallpdf", "pdfescape", "pdf-xchange editor",
}

// PDFRevisions counts incremental updates and compares the document's
// declared dates and producing software.
type PDFRevisions struct{}

func (PDFRevisions) Name() string { return "pdf-revisions" }

func (PDFRevisions) Supports(mediaType string) bool { return mediaType == "application/pdf" }

func (p PDFRevisions) Run(_ context.Context, in Input) (Output, error) {
	if !bytes.HasPrefix(in.Content, []byte("%PDF-")) {
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "missing %%PDF header")
	}
	eofs := bytes.Count(in.Content, []byte("%%EOF"))
	linearized := bytes.Contains(in.Content, []byte("/Linearized"))
	updates := eofs - 1
	if linearized && updates > 0 {
		updates--
	}
	if updates < 0 {
		updates = 0
	}

	attrs := map[string]string{
		AttrCoverage:          "full",
		"eof_markers":         strconv.Itoa(eofs),
		"incremental_updates": strconv.Itoa(updates),
		"linearized":          strconv.FormatBool(linearized),
	}
	var findings []Finding
	switch {
	case updates >= 3:
		findings = append(findings, Finding{
			Code:     "pdf_incremental_updates",
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("document was revised %d times after it was first written", updates),
		})
	case updates > 0:
		findings = append(findings, Finding{
			Code:     "pdf_incremental_updates",
			Severity: SeverityLow,
			Message:  fmt.Sprintf("document was revised %d times after it was first written", updates),
		})
	}

	created, okC := pdfDate(PriorAttribute(in.Prior, AttrCreationDate))
	modified, okM := pdfDate(PriorAttribute(in.Prior, AttrModDate))
	if okC && okM && modified > created {
		findings = append(findings, Finding{
			Code:     "pdf_modified_after_creation",
			Severity: SeverityLow,
			Message:  fmt.Sprintf("modification date %s is later than creation date %s", modified, created),
		})
	}
	for _, key := range []string{AttrProducer, AttrCreator} {
		v := strings.ToLower(PriorAttribute(in.Prior, key))
		for _, editor := range editorProducers {
			if v != "" && strings.Contains(v, editor) {
				findings = append(findings, Finding{
					Code:     "pdf_editor_" + key,
					Severity: SeverityMedium,
					Message:  fmt.Sprintf("%s %q is an editing tool", key, PriorAttribute(in.Prior, key)),
				})
				break
			}
		}
	}
	return Output{
		Provider:   p.Name(),
		Summary:    fmt.Sprintf("%d incremental updates", updates),
		Attributes: attrs,
		Findings:   findings,
	}, nil
}

// pdfDate extracts the sortable YYYYMMDDHHmmSS digits of a PDF date string.
func pdfDate(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	var digits strings.Builder
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		digits.WriteRune(r)
		if digits.Len() == 14 {
			break
		}
	}
	if digits.Len() < 8 {
		return "", false
	}
	d := digits.String()
	for len(d) < 14 {
		d += "0"
	}
	return d, true
}

// PriorAttribute returns the first value for key among prior outputs,
// searching stages in name order.
func PriorAttribute(prior map[string]Output, key string) string {
	stages := make([]string, 0, len(prior))
	for name := range prior {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		if v, ok := prior[name].Attributes[key]; ok {
			return v
		}
	}
	return ""
}

// NoTechnique stands in when no tampering technique covers a media type.
// The stage still succeeds and the scorer treats the result as unexamined.
type NoTechnique struct{}

func (NoTechnique) Name() string { return "no-technique" }

func (NoTechnique) Supports(string) bool { return true }

func (p NoTechnique) Run(_ context.Context, in Input) (Output, error) {
	return Output{
		Provider:   p.Name(),
		Summary:    "no tampering technique for " + in.Document.MediaType,
		Attributes: map[string]string{AttrCoverage: "none"},
	}, nil
}
