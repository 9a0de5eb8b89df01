package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// OutputPathFromURL derives a file name from the last path segment of link.
func OutputPathFromURL(link string) string {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return DefaultOutputName
	}
	name := path.Base(parsedURL.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = fileNameRegex.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" || name == ".." {
		return DefaultOutputName
	}
	return name
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

// FormatETA renders a remaining duration the way the progress line shows it.
func FormatETA(eta time.Duration) string {
	if eta < 0 {
		return "calculating..."
	}
	etaSeconds := int64(eta.Seconds())
	if etaSeconds < 60 {
		return fmt.Sprintf("%ds", etaSeconds)
	} else if etaSeconds < 3600 {
		return fmt.Sprintf("%dm %ds", etaSeconds/60, etaSeconds%60)
	}
	return fmt.Sprintf("%dh %dm", etaSeconds/3600, (etaSeconds%3600)/60)
}
