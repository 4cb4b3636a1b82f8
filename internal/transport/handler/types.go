package handler

import (
	"github.com/trunov/imgpipe/internal/entities"
	"github.com/trunov/imgpipe/internal/queue"
)

type UploadImageParams struct {
	Key string `form:"key" validate:"omitempty,max=1024"` // source object key, generated when empty
}

type DeleteImageRequest struct {
	Auth string `json:"auth" validate:"required"`
}

type EnqueueRequest struct {
	Auth string   `json:"auth" validate:"required"`
	Keys []string `json:"keys" validate:"required,min=1,dive,required,max=1024"`
}

type ImageResponse struct {
	entities.Record
	URL string `json:"url,omitempty"` // presigned destination URL
}

type UploadResponse struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Enqueued bool   `json:"enqueued"`
}

type EnqueueResponse struct {
	Added   []string `json:"added"`
	Pending []string `json:"pending"`
}

type StatusResponse struct {
	Code     int             `json:"code"`
	Queue    string          `json:"queue"`
	Database string          `json:"database"`
	Jobs     *queue.Snapshot `json:"jobs,omitempty"`
}
