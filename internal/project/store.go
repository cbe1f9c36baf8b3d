// Package project keeps the projects this device belongs to. The store
// answers the invite flow's membership lookups and records projects
// joined through accepted invites.
package project

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/invite"
	"mapeo.dev/go/mapeo/internal/protocol"
)

// KeySize is the size of generated project and encryption keys.
const KeySize = 32

var (
	ErrNotFound   = errors.New("project not found")
	ErrLeft       = errors.New("device has left the project")
	ErrCantInvite = errors.New("role cannot invite devices")
)

// Project is a project this device knows about.
type Project struct {
	PublicID string    `json:"public_id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Left     bool      `json:"left"`
	JoinedAt time.Time `json:"joined_at"`

	key            []byte
	inviteID       []byte
	encryptionKeys protocol.EncryptionKeys
}

// Key returns the project key.
func (p Project) Key() []byte { return p.key }

// EncryptionKeys returns the project's encryption keys.
func (p Project) EncryptionKeys() protocol.EncryptionKeys { return p.encryptionKeys }

type storeFile struct {
	Projects []projectRecord `toml:"project"`
}

type projectRecord struct {
	Name     string    `toml:"name"`
	Key      string    `toml:"key"`
	Role     Role      `toml:"role"`
	Left     bool      `toml:"left"`
	JoinedAt time.Time `toml:"joined_at"`

	EncryptionKeys keysRecord `toml:"encryption_keys"`
}

type keysRecord struct {
	Auth      string `toml:"auth,omitempty"`
	Config    string `toml:"config,omitempty"`
	Data      string `toml:"data,omitempty"`
	BlobIndex string `toml:"blob_index,omitempty"`
	Blob      string `toml:"blob,omitempty"`
}

// Store is a TOML-file backed set of projects.
type Store struct {
	log  *slog.Logger
	path string

	mu       sync.RWMutex
	projects map[string]*Project // by public ID
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		log:      log,
		path:     path,
		projects: make(map[string]*Project),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read projects: %w", err)
	}

	var f storeFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("parse projects: %w", err)
	}
	for i, rec := range f.Projects {
		p, err := rec.project()
		if err != nil {
			return nil, fmt.Errorf("project %d: %w", i, err)
		}
		s.projects[p.PublicID] = p
	}
	return s, nil
}

// Create makes a new project with fresh keys. This device is its creator.
func (s *Store) Create(name string) (Project, error) {
	key, err := crypto.RandomBytes(KeySize)
	if err != nil {
		return Project{}, err
	}
	keys, err := newEncryptionKeys()
	if err != nil {
		return Project{}, err
	}

	p := newProject(name, key, keys, RoleCreator)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.PublicID] = p
	if err := s.saveLocked(); err != nil {
		delete(s.projects, p.PublicID)
		return Project{}, err
	}
	s.log.Info("Project created", "project", p.PublicID, "name", name)
	return *p, nil
}

// AddProject joins the project described by details and returns its
// public ID. Joining a project already joined is a no-op, and joining a
// project previously left rejoins it.
func (s *Store) AddProject(ctx context.Context, details invite.JoinDetails) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(details.ProjectKey) == 0 {
		return "", errors.New("project key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	publicID := crypto.ProjectPublicID(details.ProjectKey)
	if existing, ok := s.projects[publicID]; ok && !existing.Left {
		return publicID, nil
	}

	prev := s.projects[publicID]
	p := newProject(details.ProjectName, details.ProjectKey, details.EncryptionKeys, RoleFromInvite(details.RoleName))
	s.projects[publicID] = p
	if err := s.saveLocked(); err != nil {
		if prev != nil {
			s.projects[publicID] = prev
		} else {
			delete(s.projects, publicID)
		}
		return "", err
	}
	s.log.Info("Project joined", "project", publicID, "name", details.ProjectName, "role", p.Role)
	return publicID, nil
}

// GetProjectByInviteID finds a known project by its project invite ID.
func (s *Store) GetProjectByInviteID(projectInviteID []byte) (invite.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if bytes.Equal(p.inviteID, projectInviteID) {
			return invite.Project{PublicID: p.PublicID, HasLeftProject: p.Left}, true
		}
	}
	return invite.Project{}, false
}

// Get returns the project with the given public ID.
func (s *Store) Get(publicID string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[crypto.NormalizeProjectPublicID(publicID)]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	return *p, nil
}

// List returns all projects, including left ones, by name.
func (s *Store) List() []Project {
	s.mu.RLock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PublicID < out[j].PublicID
	})
	return out
}

// Leave marks the project as left. Invites to it will be offered again.
func (s *Store) Leave(publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[crypto.NormalizeProjectPublicID(publicID)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if p.Left {
		return nil
	}
	p.Left = true
	if err := s.saveLocked(); err != nil {
		p.Left = false
		return err
	}
	s.log.Info("Project left", "project", p.PublicID)
	return nil
}

// InviteRequest builds the request for inviting a device to a project
// with the given role.
func (s *Store) InviteRequest(publicID, invitorName string, role Role) (invite.InviteRequest, error) {
	p, err := s.Get(publicID)
	if err != nil {
		return invite.InviteRequest{}, err
	}
	if p.Left {
		return invite.InviteRequest{}, ErrLeft
	}
	if !p.Role.CanInvite() {
		return invite.InviteRequest{}, fmt.Errorf("%w: %s", ErrCantInvite, p.Role)
	}
	return invite.InviteRequest{
		ProjectKey:      p.key,
		EncryptionKeys:  p.encryptionKeys,
		ProjectName:     p.Name,
		InvitorName:     invitorName,
		RoleName:        role.DisplayName(),
		RoleDescription: role.Description(),
	}, nil
}

func (s *Store) saveLocked() error {
	f := storeFile{Projects: make([]projectRecord, 0, len(s.projects))}
	for _, p := range s.projects {
		f.Projects = append(f.Projects, p.record())
	}
	sort.Slice(f.Projects, func(i, j int) bool { return f.Projects[i].Key < f.Projects[j].Key })

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create projects directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".projects-*.toml")
	if err != nil {
		return fmt.Errorf("create projects file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encode projects: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write projects: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace projects file: %w", err)
	}
	return nil
}

func newProject(name string, key []byte, keys protocol.EncryptionKeys, role Role) *Project {
	return &Project{
		PublicID:       crypto.ProjectPublicID(key),
		Name:           name,
		Role:           role,
		JoinedAt:       time.Now().UTC().Truncate(time.Second),
		key:            key,
		inviteID:       crypto.ProjectInviteID(key),
		encryptionKeys: keys,
	}
}

func newEncryptionKeys() (protocol.EncryptionKeys, error) {
	var keys protocol.EncryptionKeys
	for _, k := range []*[]byte{&keys.Auth, &keys.Config, &keys.Data, &keys.BlobIndex, &keys.Blob} {
		b, err := crypto.RandomBytes(KeySize)
		if err != nil {
			return protocol.EncryptionKeys{}, err
		}
		*k = b
	}
	return keys, nil
}

func (p *Project) record() projectRecord {
	enc := func(b []byte) string { return hex.EncodeToString(b) }
	return projectRecord{
		Name:     p.Name,
		Key:      enc(p.key),
		Role:     p.Role,
		Left:     p.Left,
		JoinedAt: p.JoinedAt,
		EncryptionKeys: keysRecord{
			Auth:      enc(p.encryptionKeys.Auth),
			Config:    enc(p.encryptionKeys.Config),
			Data:      enc(p.encryptionKeys.Data),
			BlobIndex: enc(p.encryptionKeys.BlobIndex),
			Blob:      enc(p.encryptionKeys.Blob),
		},
	}
}

func (r projectRecord) project() (*Project, error) {
	var err error
	dec := func(s string) []byte {
		if s == "" || err != nil {
			return nil
		}
		var b []byte
		b, err = hex.DecodeString(s)
		return b
	}
	key := dec(r.Key)
	keys := protocol.EncryptionKeys{
		Auth:      dec(r.EncryptionKeys.Auth),
		Config:    dec(r.EncryptionKeys.Config),
		Data:      dec(r.EncryptionKeys.Data),
		BlobIndex: dec(r.EncryptionKeys.BlobIndex),
		Blob:      dec(r.EncryptionKeys.Blob),
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) == 0 {
		return nil, errors.New("missing project key")
	}
	p := newProject(r.Name, key, keys, r.Role)
	p.Left = r.Left
	p.JoinedAt = r.JoinedAt
	return p, nil
}
