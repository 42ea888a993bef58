// Package history keeps a git archive of thread and reply edits, one
// repository per thread. Recording is best effort; the forum stays
// consistent in Postgres even when the archive is unavailable.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ThreadContent is the snapshot stored at the repo root.
type ThreadContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CommitInfo describes one recorded revision.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureThreadRepo initializes the archive for a new thread. Calling it
// again for an existing thread is a no-op.
func (s *Service) EnsureThreadRepo(threadID string, initial ThreadContent, author string) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(threadID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "thread.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add("thread.json"); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Open thread", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// RecordThread commits a new snapshot of the thread's own content.
func (s *Service) RecordThread(threadID string, content ThreadContent, author, message string) (CommitInfo, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal content: %w", err)
	}
	return s.commitFile(threadID, "thread.json", append(payload, '\n'), author, message)
}

// RecordReply commits a new snapshot of one reply.
func (s *Service) RecordReply(threadID, replyID, body, author, message string) (CommitInfo, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.MarshalIndent(map[string]string{"body": body}, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal reply: %w", err)
	}
	name := filepath.Join("replies", replyID+".json")
	return s.commitFile(threadID, name, append(payload, '\n'), author, message)
}

// RemoveReply commits the removal of a reply's snapshot file.
func (s *Service) RemoveReply(threadID, replyID, author string) (CommitInfo, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(threadID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	name := filepath.Join("replies", replyID+".json")
	if _, err := worktree.Remove(name); err != nil {
		return CommitInfo{}, fmt.Errorf("git rm reply: %w", err)
	}
	hash, err := worktree.Commit("Delete reply "+replyID, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit reply removal: %w", err)
	}
	return s.commitInfo(repo, hash)
}

// RemoveThread drops the whole archive for a deleted thread.
func (s *Service) RemoveThread(threadID string) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(threadID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

// History lists recorded revisions, newest first.
func (s *Service) History(threadID string, limit int) ([]CommitInfo, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(threadID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ThreadAt reads the thread snapshot stored at a given revision.
func (s *Service) ThreadAt(threadID, hash string) (ThreadContent, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(threadID))
	if err != nil {
		return ThreadContent{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return ThreadContent{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return ThreadContent{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File("thread.json")
	if err != nil {
		return ThreadContent{}, fmt.Errorf("load thread.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return ThreadContent{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return ThreadContent{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content ThreadContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return ThreadContent{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func (s *Service) commitFile(threadID, name string, payload []byte, author, message string) (CommitInfo, error) {
	repo, err := git.PlainOpen(s.repoPath(threadID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	fullPath := filepath.Join(repoRoot, name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(fullPath, payload, 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return CommitInfo{}, fmt.Errorf("git add %s: %w", name, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit %s: %w", name, err)
	}
	return s.commitInfo(repo, hash)
}

func (s *Service) commitInfo(repo *git.Repository, hash plumbing.Hash) (CommitInfo, error) {
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(threadID string) string {
	return filepath.Join(s.baseDir, threadID)
}

func (s *Service) threadLock(threadID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[threadID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[threadID] = lock
	return lock
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.forum.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	letters := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			letters = append(letters, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			letters = append(letters, '.')
		}
	}
	if len(letters) == 0 {
		return "user"
	}
	return string(letters)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
