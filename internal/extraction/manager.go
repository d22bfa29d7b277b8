package extraction

import "fmt"

// Manager holds the available extractors and picks one per archive.
// Discovery runs once at startup; a missing binary just means its
// extractor is absent from the list.
type Manager struct {
	extractors []Extractor
}

// NewManager probes for CLI extractors and always appends the pure-Go
// RAR fallback last, so lead .rar volumes extract even on a bare host.
func NewManager() *Manager {
	m := &Manager{}

	if unrar := NewCLIUnrar(); unrar != nil {
		m.extractors = append(m.extractors, unrar)
	}
	if unzip := NewCLIUnzip(); unzip != nil {
		m.extractors = append(m.extractors, unzip)
	}
	if sevenZ := NewCLI7z(); sevenZ != nil {
		m.extractors = append(m.extractors, sevenZ)
	}
	m.extractors = append(m.extractors, NewGoRar())

	return m
}

// NewManagerWith builds a Manager over an explicit extractor list; tests
// use it to avoid PATH probing.
func NewManagerWith(extractors ...Extractor) *Manager {
	return &Manager{extractors: extractors}
}

// AvailableExtractors returns the names of the probed backends.
func (m *Manager) AvailableExtractors() []string {
	names := make([]string, len(m.extractors))
	for i, ext := range m.extractors {
		names[i] = ext.Name()
	}
	return names
}

// HasExtractors reports whether any backend is available.
func (m *Manager) HasExtractors() bool {
	return len(m.extractors) > 0
}

// For returns the first extractor claiming the file, or nil when the
// file is not an archive entry point any backend handles.
func (m *Manager) For(filePath string) (Extractor, error) {
	for _, ext := range m.extractors {
		ok, err := ext.CanExtract(filePath)
		if err != nil {
			return nil, fmt.Errorf("probing %s with %s: %w", filePath, ext.Name(), err)
		}
		if ok {
			return ext, nil
		}
	}
	return nil, nil
}
