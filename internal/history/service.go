// Package history provides read and delete access to the transcript
// directory the CLI maintains under the user's home. The server never
// writes transcripts; the CLI owns them.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
)

// transcriptExt is the file extension of session transcripts.
const transcriptExt = ".jsonl"

// displayNameMax caps derived session display names.
const displayNameMax = 50

// Project is one project directory under the transcript root.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	LastModified time.Time `json:"last_modified"`
	SessionCount int       `json:"session_count"`
}

// SessionSummary describes one transcript file without loading it fully.
type SessionSummary struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	DisplayName  string    `json:"display_name"`
	MessageCount int       `json:"message_count"`
	LastModified time.Time `json:"last_modified"`
}

// BulkDeleteResult partitions a batch delete: every requested id lands in
// exactly one of the two sets.
type BulkDeleteResult struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// Service reads the transcript tree.
type Service struct {
	root   string
	logger *logger.Logger
}

// DefaultRoot returns the CLI's transcript directory under the home dir.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// NewService creates a history service over the given transcript root.
func NewService(root string, log *logger.Logger) *Service {
	return &Service{
		root:   root,
		logger: log.WithFields(zap.String("component", "history")),
	}
}

// HomeDirectory returns the user's home directory.
func (s *Service) HomeDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// ListProjects enumerates project directories, decodes their names back to
// filesystem paths and counts their transcripts. Sorted by last_modified
// descending. A missing root yields an empty list, not an error.
func (s *Service) ListProjects() ([]Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Project{}, nil
		}
		return nil, apperrors.InternalError("failed to read transcript root", err)
	}

	projects := make([]Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(s.root, id)

		count := 0
		if files, err := os.ReadDir(dir); err == nil {
			for _, f := range files {
				if !f.IsDir() && strings.HasSuffix(f.Name(), transcriptExt) {
					count++
				}
			}
		}

		modified := time.Time{}
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime()
		}

		decoded := decodeProjectID(id)
		projects = append(projects, Project{
			ID:           id,
			Name:         filepath.Base(decoded),
			Path:         decoded,
			LastModified: modified,
			SessionCount: count,
		})
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastModified.After(projects[j].LastModified)
	})
	return projects, nil
}

// ProjectSessions summarizes each transcript in a project directory.
func (s *Service) ProjectSessions(projectID string) ([]SessionSummary, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("project", projectID)
		}
		return nil, apperrors.InternalError("failed to read project directory", err)
	}

	sessions := make([]SessionSummary, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), transcriptExt) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		id := strings.TrimSuffix(f.Name(), transcriptExt)

		count, name := s.summarizeTranscript(path)
		if name == "" {
			name = id
		}

		modified := time.Time{}
		if info, err := f.Info(); err == nil {
			modified = info.ModTime()
		}

		sessions = append(sessions, SessionSummary{
			ID:           id,
			ProjectID:    projectID,
			DisplayName:  name,
			MessageCount: count,
			LastModified: modified,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})
	return sessions, nil
}

// LoadHistory returns every parseable record of a transcript verbatim.
// Unparseable lines are skipped with a log.
func (s *Service) LoadHistory(projectID, sessionID string) ([]json.RawMessage, error) {
	path, err := s.transcriptPath(projectID, sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.SessionNotFound(sessionID)
		}
		return nil, apperrors.InternalError("failed to open transcript", err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			s.logger.Warn("skipping unparseable transcript line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNo))
			continue
		}
		records = append(records, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.InternalError("failed to read transcript", err)
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records, nil
}

// maxLineBytes bounds a single transcript line.
const maxLineBytes = 10 * 1024 * 1024

// DeleteSession removes a single transcript file.
func (s *Service) DeleteSession(projectID, sessionID string) error {
	path, err := s.transcriptPath(projectID, sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.SessionNotFound(sessionID)
		}
		return apperrors.InternalError("failed to delete transcript", err)
	}
	s.logger.Info("deleted session transcript",
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID))
	return nil
}

// DeleteSessions deletes a batch of transcripts. One failure never aborts
// the rest; every id is reported as deleted or failed.
func (s *Service) DeleteSessions(projectID string, sessionIDs []string) BulkDeleteResult {
	result := BulkDeleteResult{Deleted: []string{}, Failed: []string{}}
	for _, id := range sessionIDs {
		if err := s.DeleteSession(projectID, id); err != nil {
			s.logger.Warn("bulk delete: transcript not removed",
				zap.String("session_id", id), zap.Error(err))
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	return result
}

// summarizeTranscript counts newline-terminated records and derives a
// display name from the first record.
func (s *Service) summarizeTranscript(path string) (int, string) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ""
	}
	defer f.Close()

	count := 0
	name := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		count++
		if name == "" {
			name = displayNameFromRecord(line)
		}
	}
	return count, name
}

// displayNameFromRecord extracts a human-readable title from a transcript
// record: a summary field when present, otherwise the user message text.
func displayNameFromRecord(line string) string {
	var rec struct {
		Summary string `json:"summary"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	if rec.Summary != "" {
		return truncateName(rec.Summary)
	}

	// Content is either a plain string or a block list.
	var text string
	if err := json.Unmarshal(rec.Message.Content, &text); err == nil {
		return truncateName(text)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Message.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return truncateName(b.Text)
			}
		}
	}
	return ""
}

// truncateName collapses whitespace and caps the name at displayNameMax
// characters, never splitting a multi-byte rune.
func truncateName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= displayNameMax {
		return s
	}
	return string([]rune(s)[:displayNameMax])
}

// projectDir validates the project id and returns its directory. Ids must
// be bare directory names; separators are rejected.
func (s *Service) projectDir(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, "/\\") || projectID == ".." {
		return "", apperrors.BadRequest("invalid project id")
	}
	return filepath.Join(s.root, projectID), nil
}

func (s *Service) transcriptPath(projectID, sessionID string) (string, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return "", err
	}
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || sessionID == ".." {
		return "", apperrors.BadRequest("invalid session id")
	}
	return filepath.Join(dir, sessionID+transcriptExt), nil
}
