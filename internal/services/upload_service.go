package services

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxUploadBytes = 10 << 20 // 10 MB

// UploadService stores chat images on local disk under the static upload
// directory and hands back the URL the chat flow references.
type UploadService struct {
	uploadDir string
}

// UploadResponse represents the upload response
// @Description Upload response structure
type UploadResponse struct {
	URL string `json:"url" example:"/static/uploads/3f1d.png"` // URL of the stored image
}

func NewUploadService(uploadDir string) *UploadService {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		log.Fatalf("Failed to create upload directory %s: %v", uploadDir, err)
	}
	return &UploadService{uploadDir: uploadDir}
}

// UploadImage stores an uploaded image
// @Summary Upload an image
// @Description Store an image for later use in a chat task
// @Tags upload
// @Accept multipart/form-data
// @Produce json
// @Param image formData file true "Image file"
// @Success 200 {object} UploadResponse "Stored image URL"
// @Failure 400 {string} string "Invalid upload"
// @Failure 413 {string} string "File too large"
// @Router /upload/image [post]
func (s *UploadService) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		SendErrorResponse(w, "File too large or malformed upload", http.StatusRequestEntityTooLarge, nil)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		SendErrorResponse(w, "Missing image file", http.StatusBadRequest, nil)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedImageExt(ext) {
		SendErrorResponse(w, "Unsupported image type", http.StatusBadRequest, nil)
		return
	}

	// Server-chosen name; the client filename never touches the disk.
	name := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		log.Printf("[UPLOAD] Failed to create file %s: %v", name, err)
		SendErrorResponse(w, "Failed to store image", http.StatusInternalServerError, nil)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		log.Printf("[UPLOAD] Failed to write file %s: %v", name, err)
		SendErrorResponse(w, "Failed to store image", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[UPLOAD] Stored image %s (%d bytes)", name, header.Size)
	WriteJSON(w, http.StatusOK, UploadResponse{URL: fmt.Sprintf("/static/uploads/%s", name)})
}

func allowedImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return true
	}
	return false
}
