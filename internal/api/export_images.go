package api

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"flux-gen-service/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type exportImagesRequest struct {
	Filenames []string `json:"filenames"`
}

// ExportGallery packs the selected gallery entries (PNG + JSON) into a zip.
// Entries that cannot be read are listed in missing.txt.
func (h *Handler) ExportGallery(c *gin.Context) {
	var req exportImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if len(req.Filenames) == 0 {
		Fail(c, model.Errorf(model.KindValidation, "filenames must not be empty"))
		return
	}

	type fileEntry struct {
		name string
		path string
	}
	var files []fileEntry
	var missing []string

	for _, name := range req.Filenames {
		imagePath, err := h.gallery.Open(name)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s: %s", name, model.MessageOf(err)))
			continue
		}
		files = append(files,
			fileEntry{name: name, path: imagePath},
			fileEntry{name: strings.TrimSuffix(name, ".png") + ".json", path: strings.TrimSuffix(imagePath, ".png") + ".json"},
		)
	}

	if len(files) == 0 {
		Fail(c, model.Errorf(model.KindNotFound, "没有可导出的图片"))
		return
	}

	fileName := fmt.Sprintf("flux-gallery-%d.zip", time.Now().Unix())
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))
	if len(missing) > 0 {
		c.Header("X-Export-Partial", "true")
	}
	c.Status(http.StatusOK)

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	for _, entry := range files {
		if err := copyIntoZip(zipWriter, entry.name, entry.path); err != nil {
			// 导出过程中条目可能被删除
			missing = append(missing, fmt.Sprintf("%s: %v", entry.name, err))
		}
	}

	if len(missing) > 0 {
		h.logger.Warn("partial gallery export", zap.Strings("missing", missing))
		if writer, err := zipWriter.Create("missing.txt"); err == nil {
			_, _ = writer.Write([]byte(strings.Join(missing, "\n")))
		}
	}
}

func copyIntoZip(zw *zip.Writer, name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}
