//go:build !vulkan

// Package gles is the default gpu.Backend implementation: a cgo bridge
// to a headless (surfaceless) EGL 1.4+ display and OpenGL ES 3.2
// compute.
package gles

/*
#cgo linux LDFLAGS: -lEGL -lGLESv2
#cgo CFLAGS: -DEGL_EGLEXT_PROTOTYPES -DGL_GLEXT_PROTOTYPES

#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES3/gl32.h>
#include <stdlib.h>
#include <string.h>

static char gles_last_error[512] = {0};

static void gles_set_error(const char *msg) {
    strncpy(gles_last_error, msg, sizeof(gles_last_error) - 1);
}

static const char *gles_get_last_error() {
    return gles_last_error;
}

typedef struct {
    EGLDisplay display;
    EGLContext context;
    EGLConfig  config;
} GlesContext;

// gles_create_context acquires the default EGL display through
// eglGetDisplay(EGL_DEFAULT_DISPLAY) (no platform-specific display such
// as EGL_PLATFORM_SURFACELESS_MESA is requested), and makes an OpenGL ES
// 3.2 context current with EGL_NO_SURFACE on both sides (no window, no
// pbuffer: every resource this process touches is a shader storage
// buffer, never a framebuffer).
static GlesContext *gles_create_context() {
    GlesContext *ctx = (GlesContext *)calloc(1, sizeof(GlesContext));
    if (!ctx) {
        gles_set_error("failed to allocate context struct");
        return NULL;
    }

    ctx->display = eglGetDisplay(EGL_DEFAULT_DISPLAY);
    if (ctx->display == EGL_NO_DISPLAY) {
        gles_set_error("eglGetDisplay returned EGL_NO_DISPLAY");
        free(ctx);
        return NULL;
    }

    EGLint major, minor;
    if (!eglInitialize(ctx->display, &major, &minor)) {
        gles_set_error("eglInitialize failed");
        free(ctx);
        return NULL;
    }

    const EGLint config_attribs[] = {
        EGL_SURFACE_TYPE, EGL_PBUFFER_BIT,
        EGL_RENDERABLE_TYPE, EGL_OPENGL_ES3_BIT,
        EGL_RED_SIZE, 0,
        EGL_GREEN_SIZE, 0,
        EGL_BLUE_SIZE, 0,
        EGL_ALPHA_SIZE, 0,
        EGL_DEPTH_SIZE, 0,
        EGL_STENCIL_SIZE, 0,
        EGL_NONE,
    };
    EGLint num_configs = 0;
    if (!eglChooseConfig(ctx->display, config_attribs, &ctx->config, 1, &num_configs) || num_configs == 0) {
        gles_set_error("eglChooseConfig found no EGL_OPENGL_ES3_BIT config");
        eglTerminate(ctx->display);
        free(ctx);
        return NULL;
    }

    if (!eglBindAPI(EGL_OPENGL_ES_API)) {
        gles_set_error("eglBindAPI(EGL_OPENGL_ES_API) failed");
        eglTerminate(ctx->display);
        free(ctx);
        return NULL;
    }

    const EGLint context_attribs[] = {
        EGL_CONTEXT_MAJOR_VERSION, 3,
        EGL_CONTEXT_MINOR_VERSION, 2,
        EGL_NONE,
    };
    ctx->context = eglCreateContext(ctx->display, ctx->config, EGL_NO_CONTEXT, context_attribs);
    if (ctx->context == EGL_NO_CONTEXT) {
        gles_set_error("eglCreateContext failed (no ES 3.2 support?)");
        eglTerminate(ctx->display);
        free(ctx);
        return NULL;
    }

    if (!eglMakeCurrent(ctx->display, EGL_NO_SURFACE, EGL_NO_SURFACE, ctx->context)) {
        gles_set_error("eglMakeCurrent(surfaceless) failed");
        eglDestroyContext(ctx->display, ctx->context);
        eglTerminate(ctx->display);
        free(ctx);
        return NULL;
    }

    return ctx;
}

static void gles_destroy_context(GlesContext *ctx) {
    if (!ctx) return;
    eglMakeCurrent(ctx->display, EGL_NO_SURFACE, EGL_NO_SURFACE, EGL_NO_CONTEXT);
    if (ctx->context != EGL_NO_CONTEXT) eglDestroyContext(ctx->display, ctx->context);
    eglTerminate(ctx->display);
    free(ctx);
}

// gles_compile_kernel compiles one compute shader and links it into its
// own program object, returning 0 on failure. The compile/link log is
// copied into gles_last_error for the caller to surface.
static GLuint gles_compile_kernel(const char *source) {
    GLuint shader = glCreateShader(GL_COMPUTE_SHADER);
    glShaderSource(shader, 1, &source, NULL);
    glCompileShader(shader);

    GLint ok = 0;
    glGetShaderiv(shader, GL_COMPILE_STATUS, &ok);
    if (!ok) {
        GLchar log[1024];
        glGetShaderInfoLog(shader, sizeof(log), NULL, log);
        gles_set_error(log);
        glDeleteShader(shader);
        return 0;
    }

    GLuint program = glCreateProgram();
    glAttachShader(program, shader);
    glLinkProgram(program);
    glDeleteShader(shader);

    glGetProgramiv(program, GL_LINK_STATUS, &ok);
    if (!ok) {
        GLchar log[1024];
        glGetProgramInfoLog(program, sizeof(log), NULL, log);
        gles_set_error(log);
        glDeleteProgram(program);
        return 0;
    }

    return program;
}

static GLuint gles_create_buffer(GLsizeiptr byte_len) {
    GLuint buf = 0;
    glGenBuffers(1, &buf);
    glBindBuffer(GL_SHADER_STORAGE_BUFFER, buf);
    glBufferData(GL_SHADER_STORAGE_BUFFER, byte_len, NULL, GL_DYNAMIC_COPY);
    return buf;
}

// gles_download reads back through glMapBufferRange: ES has no
// glGetBufferSubData, and the map-for-read is also what makes readback
// block until every prior dispatch has finished.
static int gles_download(GLuint buf, GLintptr offset, GLsizeiptr len, void *out) {
    glBindBuffer(GL_SHADER_STORAGE_BUFFER, buf);
    void *mapped = glMapBufferRange(GL_SHADER_STORAGE_BUFFER, offset, len, GL_MAP_READ_BIT);
    if (!mapped) {
        gles_set_error("glMapBufferRange(GL_MAP_READ_BIT) failed");
        return -1;
    }
    memcpy(out, mapped, (size_t)len);
    glUnmapBuffer(GL_SHADER_STORAGE_BUFFER);
    return 0;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/sirupsen/logrus"
)

// ErrContextUnavailable is returned by Init when no headless EGL/GLES
// 3.2 compute context could be acquired.
var ErrContextUnavailable = errors.New("gles: no headless OpenGL ES 3.2 compute context available")

// Backend implements gpu.Backend over EGL-headless OpenGL ES 3.2
// compute. The zero value must go through Init before use.
type Backend struct {
	mu  sync.Mutex
	ctx *C.GlesContext
}

// New returns an uninitialized gles backend.
func New() *Backend { return &Backend{} }

func lastError() string {
	return C.GoString(C.gles_get_last_error())
}

func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := C.gles_create_context()
	if ctx == nil {
		return fmt.Errorf("%w: %s", ErrContextUnavailable, lastError())
	}
	b.ctx = ctx
	logrus.Debugf("gles: acquired headless ES 3.2 compute context")
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		C.gles_destroy_context(b.ctx)
		b.ctx = nil
	}
	return nil
}

func (b *Backend) CompileKernel(name, source string) (gpu.Program, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))

	prog := C.gles_compile_kernel(cSource)
	if prog == 0 {
		logrus.Errorf("gles: compile/link %s failed: %s", name, lastError())
		return 0, fmt.Errorf("gles: compile %s: %s", name, lastError())
	}
	return gpu.Program(prog), nil
}

func (b *Backend) CreateBuffer(byteLen int) (gpu.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handle := C.gles_create_buffer(C.GLsizeiptr(byteLen))
	if handle == 0 {
		return gpu.Buffer{}, fmt.Errorf("gles: glGenBuffers failed for %d bytes", byteLen)
	}
	return gpu.NewBuffer(uint64(handle), byteLen), nil
}

func (b *Backend) FreeBuffer(buf gpu.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := C.GLuint(buf.Handle())
	C.glDeleteBuffers(1, &h)
	return nil
}

func (b *Backend) Upload(buf gpu.Buffer, byteOffset int, data []float32) error {
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	h := C.GLuint(buf.Handle())
	C.glBindBuffer(C.GL_SHADER_STORAGE_BUFFER, h)
	C.glBufferSubData(C.GL_SHADER_STORAGE_BUFFER, C.GLintptr(byteOffset),
		C.GLsizeiptr(len(data)*4), unsafe.Pointer(&data[0]))
	return nil
}

func (b *Backend) Download(buf gpu.Buffer, byteOffset int, out []float32) error {
	if len(out) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	C.glMemoryBarrier(C.GL_BUFFER_UPDATE_BARRIER_BIT | C.GL_SHADER_STORAGE_BARRIER_BIT)
	if C.gles_download(C.GLuint(buf.Handle()), C.GLintptr(byteOffset),
		C.GLsizeiptr(len(out)*4), unsafe.Pointer(&out[0])) != 0 {
		return fmt.Errorf("gles: download: %s", lastError())
	}
	return nil
}

func (b *Backend) CopyBuffer(dst gpu.Buffer, dstOffset int, src gpu.Buffer, srcOffset int, byteLen int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	C.glBindBuffer(C.GL_COPY_READ_BUFFER, C.GLuint(src.Handle()))
	C.glBindBuffer(C.GL_COPY_WRITE_BUFFER, C.GLuint(dst.Handle()))
	C.glCopyBufferSubData(C.GL_COPY_READ_BUFFER, C.GL_COPY_WRITE_BUFFER,
		C.GLintptr(srcOffset), C.GLintptr(dstOffset), C.GLsizeiptr(byteLen))
	return nil
}

func (b *Backend) Bind(prog gpu.Program, slot int, buf gpu.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.glBindBufferBase(C.GL_SHADER_STORAGE_BUFFER, C.GLuint(slot), C.GLuint(buf.Handle()))
	_ = prog // program is made current by Dispatch; binding slots are global state
	return nil
}

func (b *Backend) Dispatch(prog gpu.Program, groupsX, groupsY, groupsZ uint32, uniforms []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	C.glUseProgram(C.GLuint(prog))

	if len(uniforms) > 0 {
		// The uniform block is refreshed from a scratch GL buffer bound
		// at gpu.UniformBinding on every dispatch, the same
		// bind-then-dispatch sequence used for every storage buffer.
		var ubo C.GLuint
		C.glGenBuffers(1, &ubo)
		C.glBindBuffer(C.GL_UNIFORM_BUFFER, ubo)
		C.glBufferData(C.GL_UNIFORM_BUFFER, C.GLsizeiptr(len(uniforms)), unsafe.Pointer(&uniforms[0]), C.GL_STREAM_DRAW)
		C.glBindBufferBase(C.GL_UNIFORM_BUFFER, C.GLuint(gpu.UniformBinding), ubo)
		defer C.glDeleteBuffers(1, &ubo)
	}

	C.glDispatchCompute(C.GLuint(groupsX), C.GLuint(groupsY), C.GLuint(groupsZ))

	if errCode := C.glGetError(); errCode != C.GL_NO_ERROR {
		err := &gpu.ErrDispatch{Kernel: fmt.Sprintf("program %d", prog), Err: fmt.Errorf("glDispatchCompute: GL error 0x%x", errCode)}
		logrus.Errorf("%v", err)
		return err
	}
	return nil
}

func (b *Backend) Barrier() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.glMemoryBarrier(C.GL_SHADER_STORAGE_BARRIER_BIT | C.GL_BUFFER_UPDATE_BARRIER_BIT)
	return nil
}
