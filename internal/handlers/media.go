package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chatcore/internal/apperr"
	"chatcore/internal/router"
	"chatcore/internal/service"
)

// UploadFile stores a multipart "file" part and answers with the
// fileData clients attach to send_private and send_group.
func (h HandlerSet) UploadFile(c *gin.Context) {
	// leave room for the multipart framing around the file itself
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Upload.MaxBytes+1<<20)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, fmt.Errorf("%w: file required", apperr.ErrValidation))
		return
	}
	defer file.Close()

	att, err := h.deps.Uploads.Upload(c.Request.Context(), service.UploadInput{
		OwnerID:      currentUserID(c),
		OriginalName: header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Size:         header.Size,
		Body:         file,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"file": router.FileData{
			Filename:     att.Filename,
			OriginalName: att.OriginalName,
			Size:         att.Size,
			MimeType:     att.MimeType,
			URL:          h.deps.Uploads.URL(att.Filename),
		},
	})
}

func (h HandlerSet) DeleteFile(c *gin.Context) {
	if err := h.deps.Uploads.Delete(c.Request.Context(), currentUserID(c), c.Param("filename")); err != nil {
		respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"filename": c.Param("filename")})
}

// DownloadFile streams an attachment. The signature in the query is the
// only credential, so links work in plain <img> and <a> tags.
func (h HandlerSet) DownloadFile(c *gin.Context) {
	body, att, err := h.deps.Uploads.Open(c.Request.Context(), c.Param("filename"), c.Query("sig"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer body.Close()

	disposition := "attachment"
	if att.MimeType != "image/svg+xml" && (att.MimeType == "application/pdf" || strings.HasPrefix(att.MimeType, "image/")) {
		disposition = "inline"
	}

	c.Header("Content-Type", att.MimeType)
	c.Header("Content-Length", strconv.FormatInt(att.Size, 10))
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": att.OriginalName}))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "private, max-age=86400")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		h.log.Debug().Err(err).Str("file", att.Filename).Msg("download interrupted")
	}
}
