package website

import (
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// socialHosts maps a registrable host to its platform key.
var socialHosts = map[string]string{
	"facebook.com":  "facebook",
	"fb.com":        "facebook",
	"instagram.com": "instagram",
	"linkedin.com":  "linkedin",
	"tiktok.com":    "tiktok",
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"twitter.com":   "x",
	"x.com":         "x",
}

// sharePaths are link paths that post content rather than point at a profile.
var sharePaths = []string{"/sharer", "/share", "/intent/", "/dialog/", "/plugins/"}

// ExtractSocials returns the first profile link per platform found in the
// page's anchors.
func ExtractSocials(r io.Reader) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "website: parse html")
	}

	found := make(map[string]string)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		platform, link, ok := classifySocial(href)
		if !ok {
			return
		}
		if _, seen := found[platform]; !seen {
			found[platform] = link
		}
	})
	return found, nil
}

func classifySocial(href string) (platform, link string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", false
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "m.", "mobile."} {
		host = strings.TrimPrefix(host, prefix)
	}
	platform, ok = socialHosts[host]
	if !ok {
		return "", "", false
	}

	path := strings.ToLower(u.Path)
	if strings.Trim(path, "/") == "" {
		return "", "", false
	}
	for _, p := range sharePaths {
		if strings.HasPrefix(path, p) {
			return "", "", false
		}
	}
	u.Fragment = ""
	return platform, u.String(), true
}
