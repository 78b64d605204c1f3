package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// Source opens snapshot Parts of a URL scheme.
type Source interface {
	// Open the Part at |u|. The returned |size| is the length of the Part
	// as advertised by the Source, or -1 if it's not known.
	Open(ctx context.Context, u *url.URL) (rc io.ReadCloser, size int64, err error)
}

// Sources maps URL schemes to the Source which opens them.
type Sources map[string]Source

// NewSources returns Sources of the "http", "https", "file", "s3", "gs",
// "azure" and "azure-ad" schemes. "file" URLs are read from |fs|.
func NewSources(fs afero.Fs) Sources {
	var h = NewHTTPSource(DefaultMaxRedirects)
	var azure = new(AzureSource)
	return Sources{
		"http":     h,
		"https":    h,
		"file":     &FileSource{Fs: fs},
		"s3":       NewS3Source(),
		"gs":       new(GCSSource),
		"azure":    azure,
		"azure-ad": azure,
	}
}

// Open the Part at |rawURL| using the Source of its scheme.
func (s Sources) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return nil, 0, err
	}
	var src, ok = s[u.Scheme]
	if !ok {
		return nil, 0, errors.Errorf("unsupported snapshot URL scheme %q", u.Scheme)
	}
	return src.Open(ctx, u)
}

// DefaultMaxRedirects is the number of redirects an HTTPSource will follow.
const DefaultMaxRedirects = 10

// HTTPSource opens Parts of "http" and "https" URLs, following redirects.
type HTTPSource struct {
	Client *http.Client
}

// NewHTTPSource returns an HTTPSource which follows up to |maxRedirects|.
func NewHTTPSource(maxRedirects int) *HTTPSource {
	var transport = http.DefaultTransport.(*http.Transport).Clone()
	// Don't insert "Accept-Encoding: gzip" and transparently decompress
	// client-side, which would void the advertised Content-Length.
	transport.DisableCompression = true

	return &HTTPSource{
		Client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return errors.Errorf("stopped after %d redirects", maxRedirects)
				}
				log.WithFields(log.Fields{
					"from": via[len(via)-1].URL.String(),
					"to":   req.URL.String(),
				}).Debug("following snapshot part redirect")
				return nil
			},
		},
	}
}

// Open the Part at |u|.
func (s *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, 0, err
	} else if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("!OK fetching (%s, %q)", resp.Status, u.String())
	}
	return resp.Body, resp.ContentLength, nil
}

// FileSource opens Parts of "file" URLs from a filesystem.
type FileSource struct {
	Fs afero.Fs
}

// Open the Part at |u|.
func (s *FileSource) Open(_ context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	var f, err = s.Fs.Open(u.Path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	} else if fi.IsDir() {
		_ = f.Close()
		return nil, 0, errors.Errorf("%q is a directory", u.Path)
	}
	return f, fi.Size(), nil
}

// S3SourceArgs are parsed from the query arguments of an s3:// Part URL,
// as in "s3://bucket/path/to/games.db.part1?region=us-east-2".
type S3SourceArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	Endpoint string
	// Region is the region for the bucket. If empty, the region is determined
	// from `Profile` or the default credentials.
	Region string
}

// S3Source opens Parts of "s3" URLs. Clients are built on first use, and
// cached on their S3SourceArgs.
type S3Source struct {
	clients   map[S3SourceArgs]*s3.S3
	clientsMu sync.Mutex
}

// NewS3Source returns an S3Source.
func NewS3Source() *S3Source {
	return &S3Source{clients: make(map[S3SourceArgs]*s3.S3)}
}

// Open the Part at |u|.
func (s *S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	var args S3SourceArgs
	if err := parseSourceArgs(u, &args); err != nil {
		return nil, 0, err
	}
	var client, err = s.client(args)
	if err != nil {
		return nil, 0, err
	}

	var getObj = s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	}
	resp, err := client.GetObjectWithContext(ctx, &getObj)
	if err != nil {
		return nil, 0, err
	}
	var size int64 = -1
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (s *S3Source) client(args S3SourceArgs) (*s3.S3, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if client, ok := s.clients[args]; ok {
		return client, nil
	}

	var awsConfig = aws.NewConfig()
	awsConfig.WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		awsConfig.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		awsConfig.WithEndpoint(args.Endpoint)
		// We must force path style because bucket-named virtual hosts
		// are not compatible with explicit endpoints.
		awsConfig.WithS3ForcePathStyle(true)
	} else {
		// Real S3. Override the default http.Transport's behavior of inserting
		// "Accept-Encoding: gzip" and transparently decompressing client-side.
		awsConfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		Config:  *awsConfig,
		Profile: args.Profile,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "constructing S3 session")
	}
	// The aws sdk will always just return an error if this Region is not set, even if
	// the Endpoint was provided explicitly. It's important to fail-fast in this case.
	if awsSession.Config.Region == nil || *awsSession.Config.Region == "" {
		return nil, errors.Errorf("missing AWS region configuration for profile %q", args.Profile)
	}

	log.WithFields(log.Fields{
		"endpoint": args.Endpoint,
		"profile":  args.Profile,
		"region":   *awsSession.Config.Region,
	}).Info("constructed new aws.Session")

	var client = s3.New(awsSession)
	s.clients[args] = client
	return client, nil
}

// GCSSourceArgs are parsed from the query arguments of a gs:// Part URL.
type GCSSourceArgs struct {
	// Endpoint of the GCS API. If set, requests are unauthenticated, as is
	// appropriate for an emulator.
	Endpoint string
}

// GCSSource opens Parts of "gs" URLs. Clients are built on first use, and
// cached on their GCSSourceArgs.
type GCSSource struct {
	clients   map[GCSSourceArgs]*storage.Client
	clientsMu sync.Mutex
}

// Open the Part at |u|.
func (s *GCSSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	var args GCSSourceArgs
	if err := parseSourceArgs(u, &args); err != nil {
		return nil, 0, err
	}
	var client, err = s.client(ctx, args)
	if err != nil {
		return nil, 0, err
	}

	r, err := client.Bucket(u.Host).Object(strings.TrimPrefix(u.Path, "/")).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (s *GCSSource) client(ctx context.Context, args GCSSourceArgs) (*storage.Client, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if client, ok := s.clients[args]; ok {
		return client, nil
	}

	var opts []option.ClientOption
	if args.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(args.Endpoint), option.WithoutAuthentication())
	} else {
		var creds, err = google.FindDefaultCredentials(ctx, storage.ScopeReadOnly)
		if err != nil {
			return nil, errors.WithMessage(err, "finding GCS credentials")
		}
		opts = append(opts, option.WithTokenSource(creds.TokenSource))

		log.WithFields(log.Fields{
			"ProjectID": creds.ProjectID,
		}).Info("constructed new GCS client")
	}

	// The client outlives |ctx|, which scopes only this first request.
	var client, err = storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	if s.clients == nil {
		s.clients = make(map[GCSSourceArgs]*storage.Client)
	}
	s.clients[args] = client
	return client, nil
}

// AzureSourceArgs are parsed from the query arguments of an azure:// or
// azure-ad:// Part URL.
type AzureSourceArgs struct {
	// Account overrides the AZURE_ACCOUNT_NAME of the environment.
	// Only azure:// URLs may set it.
	Account string
	// Endpoint is the blob service URL, as of an emulator. If empty, it's
	// "https://<account>.<AZURE_BLOB_DOMAIN>/", where the domain defaults to
	// "blob.core.windows.net".
	Endpoint string
}

// AzureSource opens Parts of Azure blob URLs:
//
//	azure://container/path/to/games.db.part1
//	azure-ad://tenant-id/storage-account/container/path/to/games.db.part1
//
// "azure" URLs use Shared Key authentication, with the account and its key
// read from AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY. "azure-ad" URLs
// authenticate as the Azure AD application of AZURE_CLIENT_ID and
// AZURE_CLIENT_SECRET within the URL's tenant. Clients are built on first use,
// and cached.
type AzureSource struct {
	clients   map[azureClientKey]*azblob.Client
	clientsMu sync.Mutex
}

type azureClientKey struct {
	tenant string // Empty for Shared Key authentication.
	args   AzureSourceArgs
}

// Open the Part at |u|.
func (s *AzureSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	var key azureClientKey
	if err := parseSourceArgs(u, &key.args); err != nil {
		return nil, 0, err
	}
	var container, blob string

	if u.Scheme == "azure-ad" {
		var path = strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 3)
		if len(path) != 3 || key.args.Account != "" {
			return nil, 0, errors.New(
				"azure-ad:// URLs must be of the form azure-ad://tenant-id/storage-account/container/path")
		}
		key.tenant, key.args.Account = u.Host, path[0]
		container, blob = path[1], path[2]
	} else {
		container, blob = u.Host, strings.TrimPrefix(u.Path, "/")
	}

	var client, err = s.client(key)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, 0, err
	}
	var size int64 = -1
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (s *AzureSource) client(key azureClientKey) (*azblob.Client, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if client, ok := s.clients[key]; ok {
		return client, nil
	}

	var account = key.args.Account
	if account == "" {
		account = os.Getenv("AZURE_ACCOUNT_NAME")
	}
	var endpoint = azureServiceURL(key.args, account, os.Getenv("AZURE_BLOB_DOMAIN"))

	var client *azblob.Client
	var err error

	if key.tenant == "" {
		var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")
		if account == "" || accountKey == "" {
			return nil, errors.New("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
		}
		var creds *azblob.SharedKeyCredential
		if creds, err = azblob.NewSharedKeyCredential(account, accountKey); err != nil {
			return nil, errors.WithMessage(err, "building Azure shared key credential")
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, creds, nil)
	} else {
		var clientID, secret = os.Getenv("AZURE_CLIENT_ID"), os.Getenv("AZURE_CLIENT_SECRET")
		if clientID == "" || secret == "" {
			return nil, errors.New("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
		}
		var creds *azidentity.ClientSecretCredential
		if creds, err = azidentity.NewClientSecretCredential(key.tenant, clientID, secret,
			&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true}); err != nil {
			return nil, errors.WithMessage(err, "building Azure AD credential")
		}
		client, err = azblob.NewClient(endpoint, creds, nil)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"account":  account,
		"tenant":   key.tenant,
		"endpoint": endpoint,
	}).Info("constructed new Azure blob client")

	if s.clients == nil {
		s.clients = make(map[azureClientKey]*azblob.Client)
	}
	s.clients[key] = client
	return client, nil
}

func azureServiceURL(args AzureSourceArgs, account, blobDomain string) string {
	if args.Endpoint != "" {
		return args.Endpoint
	} else if blobDomain == "" {
		blobDomain = "blob.core.windows.net"
	}
	return fmt.Sprintf("https://%s.%s/", account, blobDomain)
}

func parseSourceArgs(u *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(u.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing snapshot URL arguments: %s", err)
	}
	return nil
}
