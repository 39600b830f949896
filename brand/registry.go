package brand

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	// decoders for brand assets
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

type Config struct {
	Enabled   bool   `yaml:"enabled"`
	UploadDir string `yaml:"upload-dir"`
}

// BrandConfig describes one monitored brand. Brands are managed by the
// settings surface; the pipeline only ever reads them.
type BrandConfig struct {
	Keyword       string    `bson:"keyword"`
	DisplayName   string    `bson:"display_name,omitempty"`
	ReferenceURL  string    `bson:"reference_url,omitempty"`
	LogoRef       string    `bson:"logo_path,omitempty"`
	ScreenshotRef string    `bson:"reference_screenshot,omitempty"`
	CreatedAt     time.Time `bson:"created_at,omitempty"`
	UpdatedAt     time.Time `bson:"updated_at,omitempty"`
}

// Registry lists the monitored brands.
type Registry interface {
	List(ctx context.Context) ([]BrandConfig, error)
}

type MongoRegistry struct {
	col *mongo.Collection
}

func NewMongoRegistry(client *mongo.Client, database, collection string) *MongoRegistry {
	return &MongoRegistry{
		col: client.Database(database).Collection(collection),
	}
}

func (r *MongoRegistry) List(ctx context.Context) ([]BrandConfig, error) {
	cur, err := r.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "list brands")
	}
	defer cur.Close(ctx)

	var brands []BrandConfig
	if err := cur.All(ctx, &brands); err != nil {
		return nil, errors.Wrap(err, "decode brands")
	}
	return brands, nil
}

// StaticRegistry serves a fixed brand list, used in tests and for
// config-file-only deployments.
type StaticRegistry struct {
	Brands []BrandConfig
}

func (r *StaticRegistry) List(ctx context.Context) ([]BrandConfig, error) {
	return r.Brands, nil
}

// Assets resolves brand asset references to decoded images.
type Assets interface {
	Logo(ref string) (image.Image, error)
	Screenshot(ref string) (image.Image, error)
}

// DirAssets loads brand assets from an upload directory on disk.
type DirAssets struct {
	Dir string
}

func (a *DirAssets) load(ref string) (image.Image, error) {
	f, err := os.Open(filepath.Join(a.Dir, filepath.Base(ref)))
	if err != nil {
		return nil, errors.Wrap(err, "open asset file")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decode asset image")
	}
	return img, nil
}

func (a *DirAssets) Logo(ref string) (image.Image, error) {
	return a.load(ref)
}

func (a *DirAssets) Screenshot(ref string) (image.Image, error) {
	return a.load(ref)
}
