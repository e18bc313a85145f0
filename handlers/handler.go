package handlers

import (
	"gorm.io/gorm"

	"github.com/example/keyportal/keypool"
	"github.com/example/keyportal/services"
	"github.com/example/keyportal/snapshot"
)

type Handler struct {
	Allocator  *keypool.Allocator
	Snapshots  *snapshot.Manager
	Detector   *snapshot.Detector
	Management *services.ManagementClient
	Syncer     *services.UsageSyncer
	DB         *gorm.DB
}

func NewHandler(allocator *keypool.Allocator, snapshots *snapshot.Manager, detector *snapshot.Detector, management *services.ManagementClient, syncer *services.UsageSyncer, db *gorm.DB) *Handler {
	return &Handler{
		Allocator:  allocator,
		Snapshots:  snapshots,
		Detector:   detector,
		Management: management,
		Syncer:     syncer,
		DB:         db,
	}
}
