package tlsmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"
)

// acmeDriver issues certificates over ACME HTTP-01, isolated behind this one
// file since it is the integration point with the most volatile upstream
// API surface (mholt/acmez/v3). Everything else in this package only talks
// to this narrow interface.
type acmeDriver struct {
	directoryURL string
	contactEmail string
	solver       *httpSolver
	httpClient   *http.Client
}

func newACMEDriver(directoryURL, contactEmail string, solver *httpSolver) *acmeDriver {
	return &acmeDriver{
		directoryURL: directoryURL,
		contactEmail: contactEmail,
		solver:       solver,
		httpClient:   http.DefaultClient,
	}
}

// issuedCert is the result of a completed ACME order: a PEM certificate
// chain and the PEM private key it was issued for.
type issuedCert struct {
	certPEM []byte
	keyPEM  []byte
}

// obtain drives a full ACME HTTP-01 order for domains (the first entry is
// the certificate's primary CN, the rest ride along as additional SANs) to
// completion: register a fresh account, generate a key, submit the
// order, solve the challenge via the shared httpSolver, and download the
// issued chain.
func (d *acmeDriver) obtain(ctx context.Context, domains []string) (*issuedCert, error) {
	client := acmez.Client{
		Client: &acme.Client{
			Directory:  d.directoryURL,
			HTTPClient: d.httpClient,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeHTTP01: d.solver,
		},
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	account := acme.Account{
		Contact:              []string{"mailto:" + d.contactEmail},
		TermsOfServiceAgreed: true,
		PrivateKey:           accountKey,
	}
	account, err = client.NewAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}

	certs, err := client.ObtainCertificate(ctx, account, certKey, domains, nil)
	if err != nil {
		return nil, fmt.Errorf("obtain certificate for %v: %w", domains, err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("obtain certificate for %v: acme server returned no certificates", domains)
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &issuedCert{certPEM: certs[0].ChainPEM, keyPEM: keyPEM}, nil
}
