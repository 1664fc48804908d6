package engine

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/parafetch/parafetch/internal/utils"
)

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// probe issues a HEAD request to learn the resource size and whether range
// requests are honored. Network failure here is fatal to the transfer, so it
// only retries a small fixed number of attempts.
func probe(ctx context.Context, client utils.HTTPDoer, link string, attempts int) (ResourceInfo, error) {
	log := utils.GetLogger("probe")
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ResourceInfo{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
		if err != nil {
			return ResourceInfo{}, probeErr("error creating request: %v", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("Probe request failed")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = probeErr("server returned error: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return ResourceInfo{}, probeErr("server returned error: %d", resp.StatusCode)
		}
		info := ResourceInfo{
			Size:     SizeUnknown,
			FileName: filenameFromHeaders(resp.Header),
			FinalURL: link,
		}
		if resp.Request != nil && resp.Request.URL != nil {
			info.FinalURL = resp.Request.URL.String()
		}
		if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
			if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil && size >= 0 {
				info.Size = size
			}
		}
		// Range support counts only when the size is known, else segments
		// cannot be planned.
		info.SupportsRange = info.Size != SizeUnknown && resp.Header.Get("Accept-Ranges") == "bytes"
		log.Debug().Int64("size", info.Size).Bool("rangeSupported", info.SupportsRange).Str("url", info.FinalURL).Msg("Probe completed")
		return info, nil
	}
	return ResourceInfo{}, probeErr("probe failed after %d attempts: %v", attempts, lastErr)
}

func filenameFromHeaders(header http.Header) string {
	contentDisposition := header.Get("Content-Disposition")
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameSanitizer.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameSanitizer.ReplaceAllString(unescaped, "_")
	}
	return ""
}

// filenameFromURL derives an output name from the URL's final path segment,
// query stripped.
func filenameFromURL(link string) string {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	parts := strings.Split(parsedURL.Path, "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "download"
	}
	return name
}
