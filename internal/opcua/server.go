// Package opcua publishes live station values over OPC UA, one namespace
// per station.
package opcua

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// First namespace index handed to a station; 0 and 1 are reserved
const firstNamespace uint16 = 2

// StationNamespace holds the nodes of one station
type StationNamespace struct {
	Namespace   uint16
	StationCode string
	FolderDesc  string
	NodeDefs    []core.NodeDefinition
	VarNodes    map[string]*server.VariableNode
	Values      map[string]interface{}
}

// Server wraps the OPC UA server. Stations may be registered before Start;
// their nodes are added to the address space once the server exists. When
// the server cannot be created, values are still stored and readable.
type Server struct {
	srv     *server.Server
	port    int
	appName string
	pkiDir  string
	mu      sync.RWMutex

	stations map[string]*StationNamespace
	nextNS   uint16
}

// NewServer creates a new OPC UA server
func NewServer(port int, appName string) *Server {
	return &Server{
		port:     port,
		appName:  appName,
		pkiDir:   "./pki",
		stations: make(map[string]*StationNamespace),
		nextNS:   firstNamespace,
	}
}

// SetPKIDir overrides where the self-signed certificate is kept
func (s *Server) SetPKIDir(dir string) {
	s.pkiDir = dir
}

func (s *Server) certFile() string { return filepath.Join(s.pkiDir, "server.crt") }
func (s *Server) keyFile() string  { return filepath.Join(s.pkiDir, "server.key") }

// ensurePKI creates the PKI directory and a self-signed certificate if missing
func (s *Server) ensurePKI() error {
	if _, err := os.Stat(s.certFile()); err == nil {
		log.Info().Str("certFile", s.certFile()).Msg("Using existing PKI certificates")
		return nil
	}

	log.Info().Msg("Generating self-signed certificates for OPC UA server")

	if err := os.MkdirAll(s.pkiDir, 0755); err != nil {
		return fmt.Errorf("failed to create PKI directory: %w", err)
	}
	return createSelfSignedCert(s.appName, s.certFile(), s.keyFile())
}

func createSelfSignedCert(appName, certPath, keyPath string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   appName,
			Organization: []string{"Battery Line Simulator"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", appName, "battery-line-simulator"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("0.0.0.0")},
		URIs:                  []*url.URL{{Scheme: "urn", Opaque: "battery-line-simulator:line"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER); err != nil {
		return err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privateKey)); err != nil {
		return err
	}

	log.Info().
		Str("certPath", certPath).
		Str("keyPath", keyPath).
		Msg("Self-signed certificates generated successfully")
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", blockType, err)
	}
	return nil
}

// Start creates the OPC UA server and serves it in the background. Failing
// to create it is not fatal: the line keeps running without OPC UA.
func (s *Server) Start(ctx context.Context) error {
	endpoint := fmt.Sprintf("opc.tcp://0.0.0.0:%d", s.port)

	log.Info().
		Int("port", s.port).
		Str("endpoint", endpoint).
		Msg("Starting OPC UA server")

	if err := s.ensurePKI(); err != nil {
		log.Warn().Err(err).Msg("Failed to create PKI - OPC UA server disabled")
		return nil
	}

	var srv *server.Server
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warn().
					Interface("panic", r).
					Msg("OPC UA server creation panicked - running in value storage mode only")
			}
		}()

		var err error
		srv, err = server.New(
			ua.ApplicationDescription{
				ApplicationURI:  "urn:battery-line-simulator:line",
				ProductURI:      "urn:battery-line-simulator",
				ApplicationName: ua.LocalizedText{Text: s.appName, Locale: "en"},
				ApplicationType: ua.ApplicationTypeServer,
			},
			s.certFile(),
			s.keyFile(),
			endpoint,
			server.WithAnonymousIdentity(true),
			server.WithSecurityPolicyNone(true),
			server.WithInsecureSkipVerify(),
		)
		if err != nil {
			log.Warn().
				Err(err).
				Msg("OPC UA server creation failed - running in value storage mode only")
			srv = nil
		}
	}()

	if srv == nil {
		return nil
	}

	s.mu.Lock()
	s.srv = srv
	count := 0
	for _, code := range s.codesLocked() {
		count += s.addNodesLocked(s.stations[code])
	}
	s.mu.Unlock()

	log.Info().Int("count", count).Msg("OPC UA nodes registered in address space")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("OPC UA server panic")
			}
		}()
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("OPC UA server error")
		}
	}()

	log.Info().Msg("OPC UA server started successfully")
	return nil
}

// Stop stops the OPC UA server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// RegisterStation allocates a namespace for a station and returns its index.
// Registering the same code twice returns the existing namespace.
func (s *Server) RegisterStation(code, description string, nodes []core.NodeDefinition) (uint16, error) {
	if code == "" {
		return 0, fmt.Errorf("station code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.stations[code]; ok {
		return ns.Namespace, nil
	}

	ns := &StationNamespace{
		Namespace:   s.nextNS,
		StationCode: code,
		FolderDesc:  description,
		NodeDefs:    nodes,
		VarNodes:    make(map[string]*server.VariableNode),
		Values:      make(map[string]interface{}),
	}
	for _, def := range nodes {
		ns.Values[def.Name] = def.InitialValue
	}
	s.stations[code] = ns
	s.nextNS++

	if s.srv != nil {
		s.addNodesLocked(ns)
	}

	log.Info().
		Uint16("namespace", ns.Namespace).
		Str("station", code).
		Int("nodes", len(nodes)).
		Msg("Registered OPC UA namespace")

	return ns.Namespace, nil
}

// addNodesLocked adds the folder and variable nodes of ns to the address space
func (s *Server) addNodesLocked(ns *StationNamespace) int {
	nm := s.srv.NamespaceManager()
	idx := ns.Namespace

	folder := server.NewObjectNode(
		s.srv,
		ua.NodeIDString{NamespaceIndex: idx, ID: ns.StationCode},
		ua.QualifiedName{NamespaceIndex: idx, Name: ns.StationCode},
		ua.LocalizedText{Text: ns.StationCode},
		ua.LocalizedText{Text: ns.FolderDesc},
		nil,
		[]ua.Reference{
			{
				ReferenceTypeID: ua.ReferenceTypeIDOrganizes,
				IsInverse:       true,
				TargetID:        ua.ExpandedNodeID{NodeID: ua.ObjectIDObjectsFolder},
			},
		},
		0,
	)
	nm.AddNode(folder)

	now := time.Now().UTC()
	for _, def := range ns.NodeDefs {
		varNode := server.NewVariableNode(
			s.srv,
			ua.NodeIDString{NamespaceIndex: idx, ID: ns.StationCode + "." + def.Name},
			ua.QualifiedName{NamespaceIndex: idx, Name: def.Name},
			ua.LocalizedText{Text: def.DisplayName},
			ua.LocalizedText{Text: def.Description},
			nil,
			[]ua.Reference{
				{
					ReferenceTypeID: ua.ReferenceTypeIDHasComponent,
					IsInverse:       true,
					TargetID:        ua.ExpandedNodeID{NodeID: ua.NodeIDString{NamespaceIndex: idx, ID: ns.StationCode}},
				},
			},
			ua.NewDataValue(ns.Values[def.Name], 0, now, 0, now, 0),
			core.OPCUADataType(def.DataType),
			ua.ValueRankScalar,
			[]uint32{},
			ua.AccessLevelsCurrentRead,
			250.0,
			false,
			nil,
		)
		nm.AddNode(varNode)
		ns.VarNodes[def.Name] = varNode
	}
	return len(ns.NodeDefs)
}

// UpdateStation stores values for a station and pushes them to live nodes.
// Unknown stations and node names are ignored.
func (s *Server) UpdateStation(code string, values map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.stations[code]
	if !ok {
		return
	}

	now := time.Now().UTC()
	for name, value := range values {
		if _, known := ns.Values[name]; !known {
			continue
		}
		ns.Values[name] = value
		if varNode, ok := ns.VarNodes[name]; ok {
			varNode.SetValue(ua.NewDataValue(value, 0, now, 0, now, 0))
		}
	}
}

// Value returns the stored value of a station node
func (s *Server) Value(code, name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.stations[code]
	if !ok {
		return nil, false
	}
	value, ok := ns.Values[name]
	return value, ok
}

// Namespace returns the namespace index of a registered station
func (s *Server) Namespace(code string) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.stations[code]
	if !ok {
		return 0, false
	}
	return ns.Namespace, true
}

func (s *Server) codesLocked() []string {
	codes := make([]string, 0, len(s.stations))
	for code := range s.stations {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
