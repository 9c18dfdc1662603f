package importer

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// normalizeContent renders the provider's markdown export to the HTML form
// that gets published. Published content must not depend on which worker ran
// the import, so the renderer carries no per-call options.
func normalizeContent(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert(src, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
