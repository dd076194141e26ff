package sync

import (
	"clinsync/internal/domain/change"
	"clinsync/internal/domain/sync"
)

type pullInput struct {
	Body sync.PullRequest
}

type pullOutput struct {
	Status int
	Body   sync.PullResponse
}

type pushInput struct {
	Body sync.PushRequest
}

type pushOutput struct {
	Status int
	Body   sync.PushResponse
}

type statusInput struct {
	DeviceID string `query:"deviceId" required:"true" doc:"Device to report on"`
}

type statusOutput struct {
	Status int
	Body   sync.StatusResponse
}

type getMetadataInput struct {
	DeviceID string `query:"deviceId" doc:"Requesting device"`
}

type metadataOutput struct {
	Status int
	Body   sync.MetadataResponse
}

type updateMetadataInput struct {
	Body change.SyncMetadata
}

type conflictsInput struct{}

type conflictsOutput struct {
	Status int
	Body   sync.ConflictsResponse
}

type resolveConflictInput struct {
	ID   string `path:"id" doc:"Conflict ID"`
	Body sync.ResolveConflictRequest
}

type resolveConflictOutput struct {
	Status int
	Body   sync.ResolveConflictResponse
}
