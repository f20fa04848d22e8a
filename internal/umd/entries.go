package umd

import (
	"github.com/tinyrange/pvgpu/internal/ddi"
	"github.com/tinyrange/pvgpu/internal/resource"
)

// DeviceEntries returns the entry points d implements, followed by the ones
// it leaves to the stub policy. Pass the result to ddi.Build.
func DeviceEntries(d *Device) []ddi.Entry {
	return []ddi.Entry{
		{Name: "CreateResource", Kind: ddi.KindCreate, Fn: ret1(d.CreateResource)},
		{Name: "DestroyResource", Kind: ddi.KindDestroy, Fn: arg1(d.DestroyResource)},
		{Name: "OpenResource", Kind: ddi.KindCreate, Fn: ret1(d.OpenSharedResource)},
		{Name: "Map", Kind: ddi.KindOther, Fn: ret3(d.Map)},
		{Name: "Unmap", Kind: ddi.KindOther, Fn: arg1(d.Unmap)},
		{Name: "UpdateSubresource", Kind: ddi.KindOther, Fn: arg4(d.UpdateSubresource)},
		{Name: "CopyResource", Kind: ddi.KindOther, Fn: arg2(d.CopyResource)},
		{Name: "CopySubresourceRegion", Kind: ddi.KindOther, Fn: arg3(d.CopyTexture2D)},
		{Name: "CopyBufferRegion", Kind: ddi.KindOther, Fn: copyBuffer(d)},
		{Name: "RotateResourceIdentities", Kind: ddi.KindOther, Fn: arg1(d.RotateResourceIdentities)},

		{Name: "CreateShaderResourceView", Kind: ddi.KindCreate, Fn: ret2(d.CreateTextureView)},
		{Name: "DestroyShaderResourceView", Kind: ddi.KindDestroy, Fn: arg1(d.DestroyTextureView)},
		{Name: "CreateShader", Kind: ddi.KindCreate, Fn: ret2(d.CreateShader)},
		{Name: "DestroyShader", Kind: ddi.KindDestroy, Fn: arg1(d.DestroyShader)},
		{Name: "SetShaders", Kind: ddi.KindOther, Fn: arg1(d.BindShaders)},
		{Name: "CreateElementLayout", Kind: ddi.KindCreate, Fn: ret1(d.CreateInputLayout)},
		{Name: "DestroyElementLayout", Kind: ddi.KindDestroy, Fn: arg1(d.DestroyInputLayout)},
		{Name: "IaSetInputLayout", Kind: ddi.KindOther, Fn: arg1(d.SetInputLayout)},
		{Name: "CreateSampler", Kind: ddi.KindCreate, Fn: ret1(d.CreateSampler)},
		{Name: "DestroySampler", Kind: ddi.KindDestroy, Fn: arg1(d.DestroySampler)},
		{Name: "SetSamplers", Kind: ddi.KindOther, Fn: arg3(d.SetSamplers)},

		{Name: "SetBlendState", Kind: ddi.KindOther, Fn: arg1(d.SetBlendState)},
		{Name: "SetDepthStencilState", Kind: ddi.KindOther, Fn: arg1(d.SetDepthStencilState)},
		{Name: "SetRasterizerState", Kind: ddi.KindOther, Fn: arg1(d.SetRasterizerState)},
		{Name: "SetViewports", Kind: ddi.KindOther, Fn: arg1(d.SetViewport)},
		{Name: "SetScissorRects", Kind: ddi.KindOther, Fn: arg1(d.SetScissor)},
		{Name: "IaSetTopology", Kind: ddi.KindOther, Fn: arg1(d.SetPrimitiveTopology)},
		{Name: "IaSetVertexBuffers", Kind: ddi.KindOther, Fn: arg2(d.SetVertexBuffers)},
		{Name: "IaSetIndexBuffer", Kind: ddi.KindOther, Fn: arg3(d.SetIndexBuffer)},
		{Name: "SetConstantBuffers", Kind: ddi.KindOther, Fn: arg3(d.SetConstantBuffers)},
		{Name: "SetShaderResources", Kind: ddi.KindOther, Fn: arg3(d.SetTextures)},
		{Name: "SetShaderConstants", Kind: ddi.KindOther, Fn: arg4(d.SetShaderConstants)},
		{Name: "SetRenderTargets", Kind: ddi.KindOther, Fn: arg2(d.SetRenderTargets)},

		{Name: "Clear", Kind: ddi.KindOther, Fn: arg4(d.Clear)},
		{Name: "Draw", Kind: ddi.KindOther, Fn: arg1(d.Draw)},
		{Name: "DrawIndexed", Kind: ddi.KindOther, Fn: arg1(d.DrawIndexed)},
		{Name: "Dispatch", Kind: ddi.KindOther, Fn: arg3(d.Dispatch)},
		{Name: "Flush", Kind: ddi.KindOther, Fn: ret0(d.Flush)},
		{Name: "Present", Kind: ddi.KindOther, Fn: ret2(d.Present)},
		{Name: "WaitIdle", Kind: ddi.KindOther, Fn: arg1(d.WaitIdle)},
		{Name: "SetMarker", Kind: ddi.KindOther, Fn: arg1(d.DebugMarker)},

		// Left to the stub policy.
		{Name: "CreateQuery", Kind: ddi.KindCreate},
		{Name: "DestroyQuery", Kind: ddi.KindDestroy},
		{Name: "CreateTexture3D", Kind: ddi.KindCreate},
		{Name: "CreateUnorderedAccessView", Kind: ddi.KindCreate},
		{Name: "DestroyUnorderedAccessView", Kind: ddi.KindDestroy},
		{Name: "CreateDeferredContext", Kind: ddi.KindCreate},
		{Name: "DestroyDeferredContext", Kind: ddi.KindDestroy},
		{Name: "SetPredication", Kind: ddi.KindOther},
		{Name: "GenerateMips", Kind: ddi.KindOther},
		{Name: "ResolveSubresource", Kind: ddi.KindOther},
	}
}

func copyBuffer(d *Device) ddi.Func {
	return func(args ...any) (any, error) {
		dst, err := ddi.Arg[*resource.Resource](args, 0)
		if err != nil {
			return nil, err
		}
		dstOff, err := ddi.Arg[uint64](args, 1)
		if err != nil {
			return nil, err
		}
		src, err := ddi.Arg[*resource.Resource](args, 2)
		if err != nil {
			return nil, err
		}
		srcOff, err := ddi.Arg[uint64](args, 3)
		if err != nil {
			return nil, err
		}
		size, err := ddi.Arg[uint64](args, 4)
		if err != nil {
			return nil, err
		}
		return nil, d.CopyBuffer(dst, dstOff, src, srcOff, size)
	}
}

func ret0[R any](fn func() (R, error)) ddi.Func {
	return func(args ...any) (any, error) { return fn() }
}

func ret1[A, R any](fn func(A) (R, error)) ddi.Func {
	return func(args ...any) (any, error) {
		a, err := ddi.Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(a)
	}
}

func ret2[A, B, R any](fn func(A, B) (R, error)) ddi.Func {
	return func(args ...any) (any, error) {
		a, err := ddi.Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := ddi.Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(a, b)
	}
}

func ret3[A, B, C, R any](fn func(A, B, C) (R, error)) ddi.Func {
	return func(args ...any) (any, error) {
		a, err := ddi.Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := ddi.Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := ddi.Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(a, b, c)
	}
}

func arg1[A any](fn func(A) error) ddi.Func {
	return ret1(func(a A) (any, error) { return nil, fn(a) })
}

func arg2[A, B any](fn func(A, B) error) ddi.Func {
	return ret2(func(a A, b B) (any, error) { return nil, fn(a, b) })
}

func arg3[A, B, C any](fn func(A, B, C) error) ddi.Func {
	return ret3(func(a A, b B, c C) (any, error) { return nil, fn(a, b, c) })
}

func arg4[A, B, C, D any](fn func(A, B, C, D) error) ddi.Func {
	return func(args ...any) (any, error) {
		d, err := ddi.Arg[D](args, 3)
		if err != nil {
			return nil, err
		}
		return ret3(func(a A, b B, c C) (any, error) { return nil, fn(a, b, c, d) })(args...)
	}
}
