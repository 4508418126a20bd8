package template

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// DefaultIndex is the index file name used when none is configured
const DefaultIndex = "templates.yaml"

// index is the on-disk and remote template index. Both the native keys
// and the extension's config.json keys (value, htmlFile, extra, path)
// are accepted.
type index struct {
	Templates []indexEntry `yaml:"templates"`
}

type indexEntry struct {
	Name        string            `yaml:"name"`
	Value       string            `yaml:"value"`
	Label       string            `yaml:"label"`
	Description string            `yaml:"description"`
	Subject     string            `yaml:"subject"`
	Body        string            `yaml:"body"`
	BodyFile    string            `yaml:"body_file"`
	HTMLFile    string            `yaml:"htmlFile"`
	Attachments []indexAttachment `yaml:"attachments"`
	Extra       struct {
		Subject     string            `yaml:"subject"`
		Body        string            `yaml:"body"`
		Attachments []indexAttachment `yaml:"attachments"`
	} `yaml:"extra"`
}

type indexAttachment struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
}

func parseIndex(data []byte) ([]indexEntry, error) {
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse template index: %w", err)
	}
	return idx.Templates, nil
}

func (e indexEntry) bodyFile() string {
	if e.BodyFile != "" {
		return e.BodyFile
	}
	return e.HTMLFile
}

// template builds the descriptor. Attachment sources are passed through
// resolve so relative locators point at the template source.
func (e indexEntry) template(resolve func(string) string) *Template {
	tmpl := &Template{
		Name:        firstNonEmpty(e.Name, e.Value, e.Label),
		Label:       e.Label,
		Description: e.Description,
		Subject:     firstNonEmpty(e.Subject, e.Extra.Subject),
		Body:        firstNonEmpty(e.Body, e.Extra.Body),
	}

	atts := e.Attachments
	if len(atts) == 0 {
		atts = e.Extra.Attachments
	}
	for _, a := range atts {
		src := firstNonEmpty(a.Source, a.Path, a.URL)
		if src == "" {
			continue
		}
		name := a.Name
		if name == "" {
			name = path.Base(src)
		}
		tmpl.Attachments = append(tmpl.Attachments, Attachment{Source: resolve(src), Name: name})
	}
	return tmpl
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isAbsoluteLocator reports whether src needs no base to be fetched
func isAbsoluteLocator(src string) bool {
	if u, err := url.Parse(src); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return true
	}
	return filepath.IsAbs(src)
}

func markdownToHTML(md goldmark.Markdown, body []byte) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert(body, &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".md" || ext == ".markdown"
}

// DirProvider loads templates from a local directory holding an index
// file and body files. Markdown bodies are converted to HTML.
type DirProvider struct {
	dir    string
	index  string
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewDirProvider creates a provider for dir
func NewDirProvider(dir, indexName string, logger *slog.Logger) *DirProvider {
	if indexName == "" {
		indexName = DefaultIndex
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DirProvider{
		dir:    dir,
		index:  indexName,
		md:     goldmark.New(),
		logger: logger,
	}
}

// List reads the index and every referenced body file. A body file that
// cannot be read is reported and yields an empty body.
func (p *DirProvider) List(ctx context.Context) ([]*Template, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, p.index))
	if err != nil {
		return nil, fmt.Errorf("failed to read template index: %w", err)
	}

	entries, err := parseIndex(data)
	if err != nil {
		return nil, err
	}

	resolve := func(src string) string {
		if isAbsoluteLocator(src) {
			return src
		}
		return filepath.Join(p.dir, filepath.FromSlash(strings.TrimPrefix(src, "/")))
	}

	templates := make([]*Template, 0, len(entries))
	for _, entry := range entries {
		tmpl := entry.template(resolve)
		if file := entry.bodyFile(); file != "" {
			tmpl.Body = p.readBody(file)
		}
		templates = append(templates, tmpl)
	}

	p.logger.Debug("templates loaded", "dir", p.dir, "count", len(templates))
	return templates, nil
}

func (p *DirProvider) readBody(file string) string {
	body, err := readBody(p.md, filepath.Join(p.dir, filepath.FromSlash(file)))
	if err != nil {
		p.logger.Error("failed to read template body", "file", file, "error", err)
		return ""
	}
	return body
}

// ReadBodyFile reads an HTML body file, converting Markdown files
func ReadBodyFile(path string) (string, error) {
	return readBody(goldmark.New(), path)
}

func readBody(md goldmark.Markdown, path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read body file: %w", err)
	}
	if !isMarkdown(path) {
		return string(body), nil
	}
	return markdownToHTML(md, body)
}

// HTTPProvider loads templates from a remote base URL. The index is
// fetched first, then all body files in parallel. A failed index yields
// an empty list and a failed body yields an empty body; neither is an
// error.
type HTTPProvider struct {
	base   *url.URL
	index  string
	client *http.Client
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewHTTPProvider creates a provider rooted at baseURL
func NewHTTPProvider(baseURL, indexName string, client *http.Client, logger *slog.Logger) (*HTTPProvider, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid template base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("template base url must be http or https, got %q", baseURL)
	}
	if indexName == "" {
		indexName = "config.json"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPProvider{
		base:   base,
		index:  indexName,
		client: client,
		md:     goldmark.New(),
		logger: logger,
	}, nil
}

// Resolve returns the absolute URL of a file below the base
func (p *HTTPProvider) Resolve(file string) string {
	if isAbsoluteLocator(file) {
		return file
	}
	ref, err := url.Parse(strings.TrimPrefix(file, "/"))
	if err != nil {
		return file
	}
	return p.base.ResolveReference(ref).String()
}

// List fetches the index and bodies
func (p *HTTPProvider) List(ctx context.Context) ([]*Template, error) {
	data, err := p.fetch(ctx, p.Resolve(p.index))
	if err != nil {
		p.logger.Error("failed to load template index", "url", p.Resolve(p.index), "error", err)
		return []*Template{}, nil
	}

	entries, err := parseIndex(data)
	if err != nil {
		p.logger.Error("failed to parse template index", "error", err)
		return []*Template{}, nil
	}

	templates := make([]*Template, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		templates[i] = entry.template(p.Resolve)
		file := entry.bodyFile()
		if file == "" {
			continue
		}
		tmpl := templates[i]
		g.Go(func() error {
			tmpl.Body = p.loadBody(gctx, file)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("templates loaded", "base", p.base.String(), "count", len(templates))
	return templates, nil
}

func (p *HTTPProvider) loadBody(ctx context.Context, file string) string {
	body, err := p.fetch(ctx, p.Resolve(file))
	if err != nil {
		p.logger.Error("failed to load template body", "file", file, "error", err)
		return ""
	}
	if !isMarkdown(file) {
		return string(body)
	}
	html, err := markdownToHTML(p.md, body)
	if err != nil {
		p.logger.Error("failed to render template body", "file", file, "error", err)
		return ""
	}
	return html
}

func (p *HTTPProvider) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}
