package server

import (
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
)

// runHub owns the client set. Every send to or close of a client's channel
// happens here, so no send can race a close.
func (s *Server) runHub() {
	defer s.wg.Done()
	defer func() {
		for client := range s.clients {
			delete(s.clients, client)
			client.close()
		}
		s.clientCount.Store(0)
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("WebSocket hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case msg := <-s.broadcast:
			s.handleBroadcast(msg)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	if len(s.clients) >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	s.clientCount.Store(int32(len(s.clients)))
	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", len(s.clients))
}

func (s *Server) handleClientUnregister(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.close()
	s.clientCount.Store(int32(len(s.clients)))
	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", len(s.clients))
}

// handleBroadcast fans a message out. A client whose queue is full is
// dropped rather than allowed to stall everyone else.
func (s *Server) handleBroadcast(msg interface{}) {
	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
			delete(s.clients, client)
			client.close()
			s.logger.Warnw("Dropped slow WebSocket client", "client_id", client.id)
		}
	}
	s.clientCount.Store(int32(len(s.clients)))
}

// broadcastJobUpdate queues a job update for every client
func (s *Server) broadcastJobUpdate(job *async.Job) {
	msg := JobUpdateMessage{Type: "job_update", Job: job}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		drops := s.broadcastDrops.Add(1)
		s.logger.Warnw("Broadcast queue full, dropping job update",
			logger.FieldJobID, shortID(job.ID),
			"total_drops", drops)
	}
}

// startJobUpdateBroadcaster forwards every queue's job updates to the hub
func (s *Server) startJobUpdateBroadcaster() {
	for _, q := range s.pool.Queues() {
		q := q
		jobChan := q.Subscribe()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer q.Unsubscribe(jobChan)

			for {
				select {
				case <-s.ctx.Done():
					return
				case job := <-jobChan:
					s.broadcastJobUpdate(job)
				}
			}
		}()
	}
	logger.AddPulseSymbol(s.logger).Infow("Job update broadcaster started", "queues", len(s.pool.Queues()))
}
