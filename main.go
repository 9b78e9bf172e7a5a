package main

import (
	"log"
	"net"
	"time"

	"github.com/Azarattum/CRSqlite/config"
	"github.com/Azarattum/CRSqlite/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	syncServer, err := NewSyncPeerServer(config)
	if err != nil {
		log.Fatalf("failed to create sync server: %v", err)
	}
	s := CreateServer(config, syncServer)
	log.Printf("Server listening at %s", config.GrpcListenAddress)
	if err := s.Serve(grpcListener); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func CreateServer(config *config.Config, syncServer *SyncPeerServer) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
	)
	desc, impl := transport.ServiceDesc(syncServer)
	s.RegisterService(desc, impl)
	return s
}
