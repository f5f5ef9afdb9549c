package web

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
	"scpiemulator/cmd/emulator/config"
	"scpiemulator/cmd/emulator/options"
	"scpiemulator/pkg/generic"
)

type Server struct {
	*generic.Server
	*config.Config
	hub *Hub
}

func NewServer(router *gin.Engine, o *options.Options, config *config.Config) (*Server, error) {
	methods := []string{http.MethodPost, http.MethodGet, http.MethodPatch}

	s := &generic.Server{
		Router:  router,
		Port:    o.WebPort,
		Methods: methods,
	}

	server := &Server{
		Server: s,
		Config: config,
		hub:    NewHub(),
	}
	config.EmulatorMgr.AddSink(server.hub)

	router.Use(allowMethods(s.Methods))
	server.InstallHandlers()

	return server, nil
}

// allowMethods answers CORS preflight for the dashboard's browser clients and
// advertises the allowed method set on every response.
func allowMethods(methods []string) gin.HandlerFunc {
	allowed := strings.Join(methods, ", ")
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", allowed)
		c.Header("Access-Control-Allow-Headers", "Content-Type, If-Match")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) InstallHandlers() {
	api := s.Router.Group("/api")
	installHandlers(api, s.Config.EmulatorMgr, s.hub)
}

func (s *Server) Serve() (func(ctx context.Context), error) {
	var srv *http.Server
	if len(s.Config.CertFile) != 0 && len(s.Config.KeyFile) != 0 {
		x509KeyPair, err := tls.LoadX509KeyPair(s.Config.CertFile, s.Config.KeyFile)
		if err != nil {
			return nil, err
		}
		c := &tls.Config{
			Certificates: []tls.Certificate{x509KeyPair},
		}

		srv = &http.Server{
			Addr:      fmt.Sprintf(":%s", s.Port),
			Handler:   s.Router,
			TLSConfig: c,
		}
		go func() {
			klog.Error(srv.ListenAndServeTLS("", ""))
		}()
	} else {
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%s", s.Port),
			Handler: s.Router,
		}
		go func() {
			klog.Error(srv.ListenAndServe())
		}()
	}

	return func(ctx context.Context) {
		srv.SetKeepAlivesEnabled(false)
		s.hub.Close()
		if err := s.Config.EmulatorMgr.Shutdown(ctx); err != nil {
			klog.Error(err)
		}
		if s.Config.MQTTSink != nil {
			s.Config.MQTTSink.Close()
		}
		if err := srv.Shutdown(ctx); err != nil {
			klog.Error(err)
		}
	}, nil
}
