package rest

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/isoforge/isoforge/internal/catalog"
	"github.com/isoforge/isoforge/internal/logctx"
)

type imageResponse struct {
	OSID          string `json:"os_id"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Category      string `json:"category"`
	Architecture  string `json:"architecture"`
	Icon          string `json:"icon,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
	SizeFormatted string `json:"size_formatted"`
	HasChecksum   bool   `json:"has_checksum"`
}

// ImagesHandler serves the image catalog.
type ImagesHandler struct {
	images catalog.Finder
}

func NewImagesHandler(images catalog.Finder) *ImagesHandler {
	return &ImagesHandler{images: images}
}

func (h *ImagesHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleList)

	return r
}

func (h *ImagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	images, err := h.images.All(r.Context())
	if err != nil {
		logger.Error("failed to list images", "err", err)
		writeError(w, err)

		return
	}

	responses := make([]*imageResponse, 0, len(images))

	for _, img := range images {
		responses = append(responses, &imageResponse{
			OSID:          img.OSID,
			Name:          img.Name,
			Version:       img.Version,
			Category:      img.Category,
			Architecture:  img.Architecture,
			Icon:          img.Icon,
			SizeBytes:     img.SizeBytes,
			SizeFormatted: humanize.IBytes(uint64(img.SizeBytes)),
			HasChecksum:   img.Checksum != "",
		})
	}

	writeJSON(w, http.StatusOK, responses)
}
