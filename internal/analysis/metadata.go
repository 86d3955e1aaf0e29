package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Attribute keys shared between metadata and later stages.
const (
	AttrFormat       = "format"
	AttrWidth        = "width"
	AttrHeight       = "height"
	AttrColorModel   = "color_model"
	AttrOriented     = "exif_orientation_applied"
	AttrPages        = "pages"
	AttrPDFVersion   = "pdf_version"
	AttrProducer     = "producer"
	AttrCreator      = "creator"
	AttrAuthor       = "author"
	AttrTitle        = "title"
	AttrCreationDate = "creation_date"
	AttrModDate      = "mod_date"
	AttrDuration     = "duration_seconds"
	AttrSize         = "size"
	AttrMediaType    = "media_type"
	AttrSHA256       = "sha256"
)

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
}

// ImageMetadata reads dimensions, encoding and orientation from raster images.
type ImageMetadata struct{}

func (ImageMetadata) Name() string { return "image-metadata" }

func (ImageMetadata) Supports(mediaType string) bool { return imageTypes[mediaType] }

func (p ImageMetadata) Run(ctx context.Context, in Input) (Output, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Content))
	if err != nil {
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "decode image header: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	attrs := baseAttributes(in)
	attrs[AttrFormat] = format
	attrs[AttrWidth] = strconv.Itoa(cfg.Width)
	attrs[AttrHeight] = strconv.Itoa(cfg.Height)
	attrs[AttrColorModel] = colorModelName(cfg)

	// a swapped width/height after auto-orientation means the file carries an
	// EXIF rotation that viewers apply silently
	img, err := imaging.Decode(bytes.NewReader(in.Content), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "decode image: %v", err)
	}
	b := img.Bounds()
	oriented := b.Dx() != cfg.Width || b.Dy() != cfg.Height
	attrs[AttrOriented] = strconv.FormatBool(oriented)
	attrs[AttrFingerprint] = formatFingerprint(DifferenceHash(img))

	var findings []Finding
	if format != mediaFormat(in.Document.MediaType) {
		findings = append(findings, Finding{
			Code:     "format_mismatch",
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("declared %s but content decodes as %s", in.Document.MediaType, format),
		})
	}
	return Output{
		Provider:   p.Name(),
		Summary:    fmt.Sprintf("%s image %dx%d", format, cfg.Width, cfg.Height),
		Attributes: attrs,
		Findings:   findings,
	}, nil
}

func mediaFormat(mediaType string) string {
	return strings.TrimPrefix(mediaType, "image/")
}

func colorModelName(cfg image.Config) string {
	if cfg.ColorModel == nil {
		return "unknown"
	}
	c := cfg.ColorModel.Convert(color.Black)
	name := fmt.Sprintf("%T", c)
	return strings.TrimPrefix(name, "color.")
}

// PDFMetadata reads the document information dictionary and page count.
type PDFMetadata struct{}

func (PDFMetadata) Name() string { return "pdf-metadata" }

func (PDFMetadata) Supports(mediaType string) bool { return mediaType == "application/pdf" }

func (p PDFMetadata) Run(ctx context.Context, in Input) (Output, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdf, err := api.ReadAndValidate(bytes.NewReader(in.Content), conf)
	if err != nil {
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "parse pdf: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	attrs := baseAttributes(in)
	attrs[AttrFormat] = "pdf"
	// Context embeds both the configuration and the xref table, which
	// share field names; document properties live on the xref table.
	xref := pdf.XRefTable
	attrs[AttrPages] = strconv.Itoa(xref.PageCount)
	attrs[AttrPDFVersion] = xref.Version().String()
	setNonEmpty(attrs, AttrProducer, xref.Producer)
	setNonEmpty(attrs, AttrCreator, xref.Creator)
	setNonEmpty(attrs, AttrAuthor, xref.Author)
	setNonEmpty(attrs, AttrTitle, xref.Title)
	setNonEmpty(attrs, AttrCreationDate, xref.CreationDate)
	setNonEmpty(attrs, AttrModDate, xref.ModDate)

	return Output{
		Provider:   p.Name(),
		Summary:    fmt.Sprintf("PDF %s, %d pages", attrs[AttrPDFVersion], xref.PageCount),
		Attributes: attrs,
	}, nil
}

func setNonEmpty(attrs map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		attrs[key] = value
	}
}

// BasicMetadata records size, media type and digest for any content.
type BasicMetadata struct{}

func (BasicMetadata) Name() string { return "basic-metadata" }

func (BasicMetadata) Supports(string) bool { return true }

func (p BasicMetadata) Run(_ context.Context, in Input) (Output, error) {
	attrs := baseAttributes(in)
	return Output{
		Provider:   p.Name(),
		Summary:    fmt.Sprintf("%s, %d bytes", in.Document.MediaType, len(in.Content)),
		Attributes: attrs,
	}, nil
}

func baseAttributes(in Input) map[string]string {
	return map[string]string{
		AttrSize:      strconv.Itoa(len(in.Content)),
		AttrMediaType: in.Document.MediaType,
		AttrSHA256:    in.Document.ContentHash,
	}
}
