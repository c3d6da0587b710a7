package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/toolchain"
	"github.com/mattjoyce/sandpit/internal/workspace/mocks"
)

func TestUnsupportedVersionSurfacesThroughProvisioning(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := mocks.NewMockToolchain(ctrl)
	m := newTestManager(t, tc)

	tc.EXPECT().
		Provision(gomock.Any(), filepath.Join(m.Root(), "alice"), "0.18.0").
		Return(nil, toolchain.ErrUnsupportedVersion)

	_, err := m.Dependencies(context.Background(), "alice", "0.18.0")
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("Dependencies() error = %v, want ErrProvisioning", err)
	}
	if !errors.Is(err, toolchain.ErrUnsupportedVersion) {
		t.Fatalf("Dependencies() error = %v, want ErrUnsupportedVersion in chain", err)
	}
}

func TestCompileInvocationArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := mocks.NewMockToolchain(ctrl)
	m := newTestManager(t, tc)
	dir := filepath.Join(m.Root(), "alice")
	manifest := project.New("0.19.1", corePackages)

	gomock.InOrder(
		tc.EXPECT().Provision(gomock.Any(), dir, "0.19.1").Return(manifest, nil),
		tc.EXPECT().
			Compile(gomock.Any(), dir, filepath.Join("src", "Main.elm"), "build.js", manifest).
			Return(&toolchain.RawOutput{ExitCode: 1, Stderr: []byte(brokenReport)}, nil),
	)

	res, err := m.Compile(context.Background(), compileReq("alice", "", "x =", corePackages))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if res.Diagnostic == nil {
		t.Fatal("Compile() diagnostic = nil, want compile errors")
	}
	if res.OutputPath != "" {
		t.Fatalf("Compile() output = %q, want none for a diagnostic", res.OutputPath)
	}

	// Cached: no further toolchain calls are expected.
	again, err := m.Compile(context.Background(), compileReq("alice", "", "x =", corePackages))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if !again.Cached || again.Diagnostic == nil {
		t.Fatalf("Compile() = %+v, want cached diagnostic", again)
	}
}

func TestNonZeroExitWithoutReportIsInfrastructure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tc := mocks.NewMockToolchain(ctrl)
	m := newTestManager(t, tc)
	manifest := project.New("0.19.1", corePackages)

	tc.EXPECT().Provision(gomock.Any(), gomock.Any(), "0.19.1").Return(manifest, nil)
	tc.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&toolchain.RawOutput{ExitCode: 2}, nil)

	_, err := m.Compile(context.Background(), compileReq("alice", "", "x = 1", corePackages))
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("Compile() error = %v, want ErrInfrastructure", err)
	}
}
