package common

import (
	"mime"
	"strings"
)

// ExtensionForContentType maps an image media type to a file extension
// without the dot: image/jpeg -> jpg, image/png -> png. The extension ends
// up in tile file names, so anything outside the known image types
// (including unparsable headers) becomes "img".
func ExtensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "img"
	}
	switch mediaType {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "jpg"
	case "image/png", "image/x-png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/tiff":
		return "tif"
	}
	return "img"
}

// ContentTypeForExtension is the inverse of ExtensionForContentType for the
// two tile formats the API serves
func ContentTypeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
