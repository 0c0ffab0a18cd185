package decision

import (
	"mime"
	"strings"
)

// ContentTypeMPEGTS is the fixed content type of HLS output.
const ContentTypeMPEGTS = "video/MP2T"

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"oga":  "audio/ogg",
	"opus": "audio/ogg",
	"aac":  "audio/mp4",
	"m4a":  "audio/mp4",
	"m4b":  "audio/mp4",
	"flac": "audio/flac",
	"wav":  "audio/x-wav",
	"wma":  "audio/x-ms-wma",
	"ape":  "audio/x-monkeys-audio",
	"mpc":  "audio/x-musepack",
	"shn":  "audio/x-shn",
	"aif":  "audio/aiff",
	"aiff": "audio/aiff",
	"dsf":  "audio/x-dsf",
	"flv":  "video/x-flv",
	"avi":  "video/avi",
	"mpg":  "video/mpeg",
	"mpeg": "video/mpeg",
	"mp4":  "video/mp4",
	"m4v":  "video/x-m4v",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"wmv":  "video/x-ms-wmv",
	"ogv":  "video/ogg",
	"webm": "video/webm",
	"divx": "video/divx",
	"m2ts": "video/MP2T",
	"ts":   ContentTypeMPEGTS,
}

// ContentType maps a format to its media type.
func ContentType(format string) string {
	format = strings.ToLower(format)
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	if ct := mime.TypeByExtension("." + format); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
