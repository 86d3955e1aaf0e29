package analysis

// Capability names bound by the default pipeline.
const (
	CapabilityMetadata     = "metadata"
	CapabilityTampering    = "tampering"
	CapabilityAuthenticity = "authenticity"
)

// SupportedMediaTypes lists the media types the built-in providers examine.
// Other types are accepted only when configured explicitly.
func SupportedMediaTypes() []string {
	return []string{
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/bmp",
		"image/tiff",
		"application/pdf",
		"video/mp4",
		"video/mpeg",
		"video/quicktime",
		"video/x-msvideo",
		"video/webm",
		"video/x-matroska",
	}
}

// DefaultRegistry binds the built-in techniques under their own names and
// under the capability names the default pipeline refers to.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	ela := NewErrorLevelAnalysis()
	providers := []Provider{
		ImageMetadata{},
		PDFMetadata{},
		VideoProbe{},
		BasicMetadata{},
		ela,
		PDFRevisions{},
		NoTechnique{},
		AuthenticityScorer{},
		NewRouter(CapabilityMetadata, ImageMetadata{}, PDFMetadata{}, VideoProbe{}, BasicMetadata{}),
		NewRouter(CapabilityTampering, ela, PDFRevisions{}, NoTechnique{}),
		NewRouter(CapabilityAuthenticity, AuthenticityScorer{}),
	}
	for _, p := range providers {
		r.Replace(p)
	}
	return r
}
