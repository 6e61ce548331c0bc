package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/models"
	"github.com/erikvanbrakel/depot/services"
	routing "github.com/go-ozzo/ozzo-routing"
)

type packageService interface {
	Publish(ctx context.Context, rs app.RequestScope, req services.PublishRequest) error
	Yank(ctx context.Context, rs app.RequestScope, req services.YankRequest) error
	Search(ctx context.Context, rs app.RequestScope, query string) ([]models.PackageName, error)
	ListGroups(ctx context.Context, rs app.RequestScope) ([]catalog.Group, error)
	ListPackages(ctx context.Context, rs app.RequestScope, group models.GroupName) ([]models.PackageName, error)
	GetPackage(ctx context.Context, rs app.RequestScope, name models.PackageName) (*services.PackageMetadata, error)
	GetVersion(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (*services.VersionMetadata, error)
	GetReadme(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (string, error)
	Download(ctx context.Context, rs app.RequestScope, version models.PackageVersion) (string, error)
}

type packageResource struct {
	service       packageService
	maxUploadSize int64
}

// multipart parts up to this size are kept in memory
const maxMemory = 32 << 20

func ServePackageResource(rg *routing.RouteGroup, service packageService, maxUploadSize int64) {
	r := &packageResource{service: service, maxUploadSize: maxUploadSize}

	rg.Get("/groups", r.listGroups)
	rg.Get("/groups/<group>", r.listPackages)
	rg.Get("/packages/<group>/<name>", r.getPackage)
	rg.Get("/packages/<group>/<name>/<version>", r.getVersion)
	rg.Get("/packages/<group>/<name>/<version>/readme", r.getReadme)
	rg.Get("/packages/<group>/<name>/<version>/download", r.download)
	rg.Post("/packages/<group>/<name>/<version>/publish", r.publish)
	rg.Patch("/packages/<group>/<name>/<version>/yank", r.yank)
	rg.Get("/search", r.search)
}

// publishMetadata is the "metadata" part of a publish request.
type publishMetadata struct {
	models.PackageInfo
	Readme       string                 `json:"readme,omitempty"`
	Dependencies []models.DependencyReq `json:"dependencies"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func packageName(c *routing.Context) (models.PackageName, error) {
	name, err := models.NewPackageName(c.Param("group"), c.Param("name"))
	if err != nil {
		return name, app.Human(app.InvalidRequest, "%v", err)
	}
	return name, nil
}

func packageVersion(c *routing.Context) (models.PackageVersion, error) {
	version, err := models.NewPackageVersion(c.Param("group"), c.Param("name"), c.Param("version"))
	if err != nil {
		return version, app.Human(app.InvalidRequest, "%v", err)
	}
	return version, nil
}

func (r *packageResource) listGroups(c *routing.Context) error {
	groups, err := r.service.ListGroups(c.Request.Context(), app.GetRequestScope(c))
	if err != nil {
		return err
	}
	return c.Write(groups)
}

func (r *packageResource) listPackages(c *routing.Context) error {
	group, err := models.NewGroupName(c.Param("group"))
	if err != nil {
		return app.Human(app.InvalidRequest, "%v", err)
	}

	names, err := r.service.ListPackages(c.Request.Context(), app.GetRequestScope(c), group)
	if err != nil {
		return err
	}
	return c.Write(names)
}

func (r *packageResource) getPackage(c *routing.Context) error {
	name, err := packageName(c)
	if err != nil {
		return err
	}

	metadata, err := r.service.GetPackage(c.Request.Context(), app.GetRequestScope(c), name)
	if err != nil {
		return err
	}
	return c.Write(metadata)
}

func (r *packageResource) getVersion(c *routing.Context) error {
	version, err := packageVersion(c)
	if err != nil {
		return err
	}

	metadata, err := r.service.GetVersion(c.Request.Context(), app.GetRequestScope(c), version)
	if err != nil {
		return err
	}
	return c.Write(metadata)
}

func (r *packageResource) getReadme(c *routing.Context) error {
	version, err := packageVersion(c)
	if err != nil {
		return err
	}

	readme, err := r.service.GetReadme(c.Request.Context(), app.GetRequestScope(c), version)
	if err != nil {
		return err
	}

	c.Response.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, err = io.WriteString(c.Response, readme)
	return err
}

func (r *packageResource) download(c *routing.Context) error {
	version, err := packageVersion(c)
	if err != nil {
		return err
	}

	location, err := r.service.Download(c.Request.Context(), app.GetRequestScope(c), version)
	if err != nil {
		return err
	}

	http.Redirect(c.Response, c.Request, location, http.StatusFound)
	return nil
}

func (r *packageResource) publish(c *routing.Context) error {
	version, err := packageVersion(c)
	if err != nil {
		return err
	}

	if r.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Response, c.Request.Body, r.maxUploadSize)
	}
	if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return app.Human(app.InvalidFormat, "the request exceeds the upload limit of %d bytes", r.maxUploadSize)
		}
		return app.Human(app.InvalidFormat, "expected a multipart form with metadata and tarball: %v", err)
	}

	var metadata publishMetadata
	if err := json.Unmarshal([]byte(c.Request.FormValue("metadata")), &metadata); err != nil {
		return app.Human(app.InvalidManifest, "invalid metadata: %v", err)
	}

	file, _, err := c.Request.FormFile("tarball")
	if err != nil {
		return app.Human(app.InvalidFormat, "missing tarball")
	}
	defer file.Close()

	tarball, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	err = r.service.Publish(c.Request.Context(), app.GetRequestScope(c), services.PublishRequest{
		Version:      version,
		Info:         metadata.PackageInfo,
		Readme:       metadata.Readme,
		Dependencies: metadata.Dependencies,
		Token:        c.Query("token"),
		Tarball:      tarball,
	})
	if err != nil {
		return err
	}
	return c.Write(statusResponse{Status: "published"})
}

func (r *packageResource) yank(c *routing.Context) error {
	version, err := packageVersion(c)
	if err != nil {
		return err
	}

	yanked, err := strconv.ParseBool(c.Query("yanked", "true"))
	if err != nil {
		return app.Human(app.InvalidRequest, "yanked must be true or false")
	}

	err = r.service.Yank(c.Request.Context(), app.GetRequestScope(c), services.YankRequest{
		Version: version,
		Yanked:  yanked,
		Token:   c.Query("token"),
	})
	if err != nil {
		return err
	}

	status := "yanked"
	if !yanked {
		status = "unyanked"
	}
	return c.Write(statusResponse{Status: status})
}

func (r *packageResource) search(c *routing.Context) error {
	names, err := r.service.Search(c.Request.Context(), app.GetRequestScope(c), c.Query("q"))
	if err != nil {
		return err
	}
	return c.Write(names)
}
