package sandbox

import (
	"context"

	"dagger.io/dagger"
)

// DaggerDriver is the production Driver backed by a live Dagger engine
// connection, grounded on the teacher's RealContainerProvider/
// RealContainerWrapper pair in dagger_mocks.go.
type DaggerDriver struct {
	client *dagger.Client
}

// NewDaggerDriver wraps an already-connected Dagger client. Callers
// obtain client via dagger.Connect(ctx) at process startup and close it
// on shutdown; the driver itself owns no connection lifecycle.
func NewDaggerDriver(client *dagger.Client) *DaggerDriver {
	return &DaggerDriver{client: client}
}

func (d *DaggerDriver) NewContainer(image string) Container {
	return &daggerContainer{client: d.client, c: d.client.Container().From(image)}
}

type daggerContainer struct {
	client *dagger.Client
	c      *dagger.Container
}

func (w *daggerContainer) WithEnvVariable(key, value string) Container {
	return &daggerContainer{client: w.client, c: w.c.WithEnvVariable(key, value)}
}

func (w *daggerContainer) WithWorkdir(path string) Container {
	return &daggerContainer{client: w.client, c: w.c.WithWorkdir(path)}
}

func (w *daggerContainer) WithDirectory(containerPath, hostPath string) Container {
	hostDir := w.client.Host().Directory(hostPath)
	return &daggerContainer{client: w.client, c: w.c.WithDirectory(containerPath, hostDir)}
}

func (w *daggerContainer) WithExec(argv []string) Container {
	return &daggerContainer{client: w.client, c: w.c.WithExec(argv)}
}

func (w *daggerContainer) Stdout(ctx context.Context) (string, error) {
	return w.c.Stdout(ctx)
}

func (w *daggerContainer) Stderr(ctx context.Context) (string, error) {
	return w.c.Stderr(ctx)
}
