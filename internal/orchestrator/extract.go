package orchestrator

import (
	"regexp"
	"strings"
)

// GeneratedFile is a file parsed out of builder output.
type GeneratedFile struct {
	Path    string
	Content string
}

// fileBlockRe matches fenced code blocks whose first inside-fence line is
// a `// filepath:` marker. Everything outside such blocks is ignored.
var fileBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n// filepath: ([^\\n]+)\\n(.*?)```")

// ExtractFiles scans builder output for filepath-marked code blocks and
// returns them in order of appearance.
func ExtractFiles(output string) []GeneratedFile {
	matches := fileBlockRe.FindAllStringSubmatch(output, -1)
	files := make([]GeneratedFile, 0, len(matches))
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if path == "" {
			continue
		}
		content := m[2]
		content = strings.TrimSuffix(content, "\n")
		files = append(files, GeneratedFile{Path: path, Content: content + "\n"})
	}
	return files
}
